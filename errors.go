package sgdb

import "github.com/pkg/errors"

var (
	ErrWriteByOther = errors.New("db opened with write mode by another process")

	ErrDatabaseClosed     = errors.New("database closed")
	ErrInvalidDatabase    = errors.New("invalid database file")
	ErrCatalogFull        = errors.New("catalog does not fit in header")
	ErrInvalidPayloadSize = errors.New("invalid document payload size")

	ErrClassNotFound    = errors.New("class not found")
	ErrRelationNotFound = errors.New("relation not found")
	ErrTooManyClasses   = errors.New("too many classes")
	ErrTooManyRelations = errors.New("too many relations")
	ErrRelationConflict = errors.New("relation already defined with different direction")
	ErrInvalidSchema    = errors.New("invalid schema")
	ErrInvalidValue     = errors.New("invalid field value")

	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateEdge = errors.New("duplicate edge")
	ErrEdgeNotFound  = errors.New("edge not found")

	// ErrValueTooLarge is returned when a row does not fit the document payload,
	// even after compression.
	ErrValueTooLarge = errors.New("value too large")

	// ErrInvalidDocumentType means a slot's type tag does not match what the
	// caller expected. It usually signals corruption.
	ErrInvalidDocumentType = errors.New("invalid document type")
)
