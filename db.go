package sgdb

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPayloadSize = 256
	DefaultPageLimit   = 128
)

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to obtain a file lock.
	// When set to zero it fails immediately if another process holds it.
	Timeout time.Duration `yaml:"timeout"`

	// PayloadSize is the document payload in bytes, rounded up to 64. Asking
	// for more than an existing file stores resizes the file on open.
	PayloadSize int `yaml:"payload_size"`

	// PageLimit is the number of document slots per page. It only applies
	// when a new file is created.
	PageLimit int `yaml:"page_limit"`

	// Compression is used for rows that do not fit the payload. It only
	// applies when a new file is created.
	Compression CompressAlgorithm `yaml:"compression"`

	// Setting NoSync skips fsync() calls on resize and close.
	//
	// THIS IS UNSAFE. PLEASE USE WITH CAUTION.
	NoSync bool `yaml:"no_sync"`

	// BackupDir receives the copy written before every resize. Empty means
	// next to the database file.
	BackupDir string `yaml:"backup_dir"`

	LogLevel string `yaml:"log_level"`

	// OnError is called with every file-system error, in addition to it
	// being returned to the operation that hit it.
	OnError func(error) `yaml:"-"`
}

var DefaultOptions = &Options{
	Timeout:     0,
	PayloadSize: DefaultPayloadSize,
	PageLimit:   DefaultPageLimit,
	Compression: CompSnappy,
}

type DB struct {
	// Setting the NoSync flag will cause the database to skip fsync()
	// calls on resize and close.
	NoSync bool

	path    string
	mode    os.FileMode
	file    *os.File
	opened  atomic.Bool
	ready   atomic.Bool
	options Options

	swaplock  sync.RWMutex // Shared by every file access, exclusive during resize.
	metalock  sync.RWMutex // Protects header and catalog.
	alloclock sync.Mutex   // Serializes page headers and header counters.

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}

	header  HeadPage
	layout  layout
	catalog *catalog

	dispatch *dispatcher
	metrics  *metrics
	log      *log.Entry
}

// Open creates or opens the database at path. It returns once the header is
// parsed and any pending resize has completed.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	opts := *DefaultOptions
	if options != nil {
		if err := copier.CopyWithOption(&opts, options, copier.Option{IgnoreEmpty: true}); err != nil {
			return nil, errors.Wrap(err, "merge options")
		}
	}
	if opts.PayloadSize < edgeCountSize+edgeEntrySize || opts.PageLimit <= 0 {
		return nil, errors.Wrapf(ErrInvalidPayloadSize, "payload %d, page limit %d", opts.PayloadSize, opts.PageLimit)
	}

	logger, err := opts.logger(path)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	db := &DB{path: path, mode: mode, options: opts, NoSync: opts.NoSync, log: logger}
	db.catalog = newCatalog()
	db.metrics = newMetrics()
	db.dispatch = newDispatcher(db.ready.Load, db.metrics, db.log)

	if db.file, err = os.OpenFile(db.path, os.O_RDWR|os.O_CREATE, mode); err != nil {
		return nil, err
	}
	db.opened.Store(true)

	// Lock file so that other processes cannot use the database at the
	// same time.
	if err := waitflock(db, opts.Timeout); err != nil {
		_ = db.file.Close()
		return nil, err
	}

	db.ops.writeAt = db.file.WriteAt

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, err
	}
	if info.Size() == 0 {
		err = db.init()
	} else {
		err = db.load()
	}
	if err != nil {
		_ = db.close()
		return nil, err
	}

	if want := alignPayload(opts.PayloadSize); want > db.layout.payload {
		db.log.WithField("payload", want).Info("payload size grew, resizing")
		if err := db.resize(want, nil); err != nil {
			_ = db.close()
			return nil, err
		}
	}

	db.ready.Store(true)
	db.log.WithFields(log.Fields{
		"pages":   db.header.PageCount,
		"docs":    db.header.DocCount,
		"payload": db.header.PayloadSize,
	}).Info("database opened")
	return db, nil
}

// init writes the header of a new database file.
func (db *DB) init() error {
	db.header = HeadPage{
		Magic:       Magic,
		Version:     Version,
		Compression: db.options.Compression,
		PageLimit:   uint32(db.options.PageLimit),
		PayloadSize: alignPayload(db.options.PayloadSize),
	}
	db.layout = db.header.layout()
	db.header.PageSize = uint32(db.layout.pageSize())

	buf := make([]byte, HeaderSize)
	if err := db.writeHeader(buf); err != nil {
		return err
	}
	return db.sync()
}

func (db *DB) load() error {
	buf := make([]byte, HeaderSize)
	if err := db.readAt(buf, 0); err != nil {
		return err
	}
	if err := db.header.unmarshal(buf[:headPageSize]); err != nil {
		return errors.Wrap(ErrInvalidDatabase, err.Error())
	}
	if err := db.header.validate(); err != nil {
		return err
	}
	data := buf[headPageSize : headPageSize+db.header.CatalogLen]
	if crc32.ChecksumIEEE(data) != db.header.Checksum {
		return errors.Wrap(ErrInvalidDatabase, "catalog checksum mismatch")
	}
	if err := db.catalog.unmarshal(data); err != nil {
		return errors.Wrap(ErrInvalidDatabase, err.Error())
	}
	db.layout = db.header.layout()
	return nil
}

// writeHeader persists the head page and the catalog. buf, when not nil,
// is used as the zeroed header block. Caller holds metalock.
func (db *DB) writeHeader(buf []byte) error {
	block, err := db.encodeHeader(&db.header, nil)
	if err != nil {
		return err
	}
	if buf != nil {
		copy(buf, block)
		block = buf
	}
	return db.writeAt(block, 0)
}

// encodeHeader renders h followed by the catalog, with class schemas
// replaced from overrides. The catalog fields of h are updated.
func (db *DB) encodeHeader(h *HeadPage, overrides map[uint32]*Schema) ([]byte, error) {
	data, err := db.catalog.marshal(overrides)
	if err != nil {
		return nil, err
	}
	if len(data) > maxCatalogSize {
		return nil, errors.Wrapf(ErrCatalogFull, "catalog is %d bytes", len(data))
	}
	h.ClassCount, h.RelationCount = db.catalog.counts()
	h.CatalogLen = uint32(len(data))
	h.Checksum = crc32.ChecksumIEEE(data)
	buf := make([]byte, headPageSize+len(data))
	copy(buf, h.marshal())
	copy(buf[headPageSize:], data)
	return buf, nil
}

// writeCounters persists only the head page. Caller holds metalock.
func (db *DB) writeCounters() error {
	return db.writeAt(db.header.marshal(), 0)
}

func (db *DB) readAt(b []byte, off int64) error {
	n, err := db.file.ReadAt(b, off)
	if err == io.EOF && n == len(b) {
		err = nil
	}
	if err != nil {
		return db.fail(errors.Wrapf(err, "read %d bytes at %d", len(b), off))
	}
	return nil
}

func (db *DB) writeAt(b []byte, off int64) error {
	if _, err := db.ops.writeAt(b, off); err != nil {
		return db.fail(errors.Wrapf(err, "write %d bytes at %d", len(b), off))
	}
	return nil
}

func (db *DB) sync() error {
	if db.NoSync && !IgnoreNoSync {
		return nil
	}
	if err := db.file.Sync(); err != nil {
		return db.fail(errors.Wrap(err, "sync"))
	}
	return nil
}

// fail routes a file-system error to the error hook.
func (db *DB) fail(err error) error {
	db.log.WithError(err).Error("io failure")
	if db.options.OnError != nil {
		db.options.OnError(err)
	}
	return err
}

func (db *DB) checkOpen() error {
	if !db.opened.Load() {
		return ErrDatabaseClosed
	}
	return nil
}

// Sync flushes the database file to disk.
func (db *DB) Sync() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()
	return db.sync()
}

// Close waits for queued operations to finish and releases the file.
func (db *DB) Close() error {
	if !db.opened.Load() {
		return nil
	}
	db.dispatch.close()
	db.swaplock.Lock()
	defer db.swaplock.Unlock()
	if err := db.sync(); err != nil {
		_ = db.close()
		return err
	}
	return db.close()
}

func (db *DB) close() error {
	if !db.opened.CompareAndSwap(true, false) {
		return nil
	}
	db.ready.Store(false)

	// Clear ops.
	db.ops.writeAt = nil

	if db.file != nil {
		if err := funlock(db); err != nil {
			db.log.Printf("sgdb.Close(): funlock error: %s", err)
		}
		if err := db.file.Close(); err != nil {
			return errors.Wrap(err, "db file closed")
		}
		db.file = nil
	}
	db.log.Info("database closed")
	return nil
}

func (db *DB) Path() string { return db.path }

// Registry exposes the dispatcher metrics of this handle.
func (db *DB) Registry() prometheus.Gatherer { return db.metrics.registry }

type Stats struct {
	PageCount     uint32
	PageLimit     uint32
	PageSize      uint32
	DocCount      uint32
	PayloadSize   uint32
	ClassCount    uint32
	RelationCount uint32
	Compression   CompressAlgorithm
}

func (db *DB) Stats() Stats {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	h := db.header
	classes, relations := db.catalog.counts()
	return Stats{
		PageCount:     h.PageCount,
		PageLimit:     h.PageLimit,
		PageSize:      h.PageSize,
		DocCount:      h.DocCount,
		PayloadSize:   h.PayloadSize,
		ClassCount:    classes,
		RelationCount: relations,
		Compression:   h.Compression,
	}
}

// run submits fn as an operation of the given kind and waits for it.
func (db *DB) run(ctx context.Context, kind Kind, blocked func() bool, fn func() (interface{}, error)) (interface{}, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.dispatch.submit(kind, blocked, fn).Wait(ctx)
}
