package pipeline

import "errors"

var (
	// ErrNoDocuments means the tenant has no ingested corpus to query.
	ErrNoDocuments = errors.New("no documents ingested for tenant")

	// ErrNoRelevantResults means retrieval ran but nothing cleared the
	// relevance thresholds. Not cached; the corpus may grow.
	ErrNoRelevantResults = errors.New("no relevant results for query")

	// ErrUpstreamUnavailable means a required external service stayed down
	// through retries.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	// ErrEmptyDocument means an ingest request carried no usable content.
	ErrEmptyDocument = errors.New("document has no content")

	// ErrEmptyQuery means the query text was blank after trimming.
	ErrEmptyQuery = errors.New("query text is empty")

	// ErrDocumentNotFound means the tenant has no document with that id.
	ErrDocumentNotFound = errors.New("document not found")
)
