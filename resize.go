package sgdb

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const backupTimeFormat = "20060102T150405.000000000"

// migration re-encodes the rows of one class.
type migration struct {
	from, to *Schema
}

// Resize widens the payload of every document to payloadSize, rounded up to
// 64 bytes. Node ids do not change. A smaller size fails with
// ErrInvalidPayloadSize.
func (db *DB) Resize(ctx context.Context, payloadSize int) error {
	want := alignPayload(payloadSize)
	_, err := db.run(ctx, KindMeta, nil, func() (interface{}, error) {
		current := db.payload()
		if want < current {
			return nil, errors.Wrapf(ErrInvalidPayloadSize, "cannot shrink payload from %d to %d", current, want)
		}
		if want == current {
			return nil, nil
		}
		return nil, db.resize(want, nil)
	})
	return err
}

// resize rewrites the file with a payload of the given size, applying
// migrations to the rows of their classes. The store is marked not ready
// and every operation waits until the new file is in place.
func (db *DB) resize(payload uint32, migrations map[uint32]migration) error {
	db.ready.Store(false)
	defer func() {
		db.ready.Store(true)
		db.dispatch.drainAll()
	}()

	db.swaplock.Lock()
	defer db.swaplock.Unlock()

	old := db.layout
	if payload < old.payload {
		return errors.Wrapf(ErrInvalidPayloadSize, "cannot shrink payload from %d to %d", old.payload, payload)
	}
	next := layout{pageLimit: old.pageLimit, payload: payload}

	overrides := make(map[uint32]*Schema, len(migrations))
	for id, m := range migrations {
		overrides[id] = m.to
	}

	start := time.Now()
	tmpPath := db.path + ".resize"
	header, err := db.writeResized(tmpPath, next, migrations, overrides)
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	backup, err := db.backup()
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := db.swapFile(tmpPath); err != nil {
		// the handle has no usable file left
		db.opened.Store(false)
		return err
	}

	db.metalock.Lock()
	db.header = header
	db.layout = next
	for id, m := range migrations {
		if cls, ok := db.catalog.classByID[id]; ok {
			cls.Schema = m.to
		}
	}
	db.metalock.Unlock()

	db.metrics.resizes.Inc()
	db.log.WithFields(log.Fields{
		"from":    old.payload,
		"to":      payload,
		"classes": len(migrations),
		"backup":  backup,
		"elapsed": time.Since(start),
	}).Info("database resized")
	return nil
}

// writeResized streams every page of the database into path using the next
// layout and returns the head page written there. Caller holds swaplock.
func (db *DB) writeResized(path string, next layout, migrations map[uint32]migration, overrides map[uint32]*Schema) (HeadPage, error) {
	db.metalock.RLock()
	header := db.header
	db.metalock.RUnlock()
	old := db.layout

	header.PayloadSize = next.payload
	header.PageSize = uint32(next.pageSize())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, db.mode)
	if err != nil {
		return header, db.fail(errors.Wrap(err, "create resize file"))
	}
	defer f.Close()

	db.metalock.RLock()
	block, err := db.encodeHeader(&header, overrides)
	db.metalock.RUnlock()
	if err != nil {
		return header, err
	}
	buf := make([]byte, HeaderSize)
	copy(buf, block)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return header, db.fail(errors.Wrap(err, "write resize header"))
	}

	src := make([]byte, old.pageSize())
	for p := uint32(1); p <= header.PageCount; p++ {
		if err := db.readAt(src, old.pageOffset(p)); err != nil {
			return header, err
		}
		dst := make([]byte, next.pageSize())
		copy(dst, src[:PageHeaderSize])
		for slot := uint32(0); slot < old.pageLimit; slot++ {
			from := src[PageHeaderSize+int64(slot)*old.docSize():][:old.docSize()]
			hdr := &DocHeader{}
			if err := hdr.unmarshal(from); err != nil {
				return header, err
			}
			if !hdr.live() {
				continue
			}
			if hdr.Length > old.payload {
				return header, errors.Wrapf(ErrInvalidDatabase, "document %d length %d exceeds payload", old.documentIndex(p, slot), hdr.Length)
			}
			data := from[DocHeaderSize : DocHeaderSize+hdr.Length]
			if m, ok := migrations[hdr.Owner]; ok && hdr.Type == DocNode {
				if data, hdr.Flags, err = migrateRow(m, data, hdr.Flags, next.payload, header.Compression); err != nil {
					return header, errors.Wrapf(err, "migrate document %d", old.documentIndex(p, slot))
				}
				hdr.Length = uint32(len(data))
			}
			to := dst[PageHeaderSize+int64(slot)*next.docSize():]
			copy(to, hdr.marshal())
			copy(to[DocHeaderSize:], data)
		}
		if _, err := f.WriteAt(dst, next.pageOffset(p)); err != nil {
			return header, db.fail(errors.Wrapf(err, "write resized page %d", p))
		}
	}

	if !db.NoSync || IgnoreNoSync {
		if err := f.Sync(); err != nil {
			return header, db.fail(errors.Wrap(err, "sync resize file"))
		}
	}
	return header, nil
}

// migrateRow decodes data with the old schema and encodes it with the new
// one. Fields are matched by name; values the new type cannot hold are
// dropped.
func migrateRow(m migration, data []byte, flags DocFlag, payload uint32, alg CompressAlgorithm) ([]byte, DocFlag, error) {
	obj, err := unpackRow(m.from, data, flags, alg)
	if err != nil {
		return nil, 0, err
	}
	out := make(Object, len(m.to.Fields))
	for _, f := range m.to.Fields {
		v := obj[f.Name]
		if _, err := encodeValue(f, v); err != nil {
			v = nil
		}
		out[f.Name] = v
	}
	return packRow(m.to, out, payload, alg)
}

// backup copies the database file next to it, or into Options.BackupDir,
// and returns the copy's path. Caller holds swaplock.
func (db *DB) backup() (string, error) {
	name := filepath.Base(db.path) + "." + time.Now().UTC().Format(backupTimeFormat) + ".bak"
	dir := filepath.Dir(db.path)
	if db.options.BackupDir != "" {
		dir = db.options.BackupDir
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", db.fail(errors.Wrap(err, "create backup dir"))
		}
	}
	path := filepath.Join(dir, name)

	info, err := db.file.Stat()
	if err != nil {
		return "", db.fail(errors.Wrap(err, "stat database"))
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, db.mode)
	if err != nil {
		return "", db.fail(errors.Wrap(err, "create backup"))
	}
	defer out.Close()
	if _, err := io.Copy(out, io.NewSectionReader(db.file, 0, info.Size())); err != nil {
		return "", db.fail(errors.Wrap(err, "copy backup"))
	}
	if !db.NoSync || IgnoreNoSync {
		if err := out.Sync(); err != nil {
			return "", db.fail(errors.Wrap(err, "sync backup"))
		}
	}
	db.log.WithField("backup", path).Info("backup written")
	return path, nil
}

// swapFile replaces the database file with path and reopens it. Caller holds
// swaplock.
func (db *DB) swapFile(path string) error {
	if err := funlock(db); err != nil {
		db.log.WithError(err).Warn("funlock before swap")
	}
	if err := db.file.Close(); err != nil {
		return db.fail(errors.Wrap(err, "close database before swap"))
	}
	db.file = nil
	db.ops.writeAt = nil

	if err := os.Rename(path, db.path); err != nil {
		return db.fail(errors.Wrap(err, "rename resized file"))
	}
	if err := syncDir(filepath.Dir(db.path)); err != nil {
		return db.fail(err)
	}

	f, err := os.OpenFile(db.path, os.O_RDWR, db.mode)
	if err != nil {
		return db.fail(errors.Wrap(err, "reopen database"))
	}
	db.file = f
	if err := flock(db); err != nil {
		_ = f.Close()
		db.file = nil
		return db.fail(err)
	}
	db.ops.writeAt = db.file.WriteAt
	return nil
}
