package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

const meterName = "github.com/Blackdeer1524/txnlog/src/storage/disk"

// archiveRange copies pages [from, end) of the active segment into a new
// archive file. The header is advanced only after the archive is durable,
// so a crash in between leaves an orphan archive that is overwritten on
// the next attempt.
func (m *Manager) archiveRange(ctx context.Context, from, end common.PageID) (err error) {
	_, span := otel.Tracer(meterName).Start(
		ctx,
		"disk.archive",
		trace.WithAttributes(
			attribute.Int64("from", int64(from)), //nolint:gosec
			attribute.Int64("end", int64(end)),   //nolint:gosec
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	m.mu.RLock()
	num := m.hdr.NextArchiveNum
	m.mu.RUnlock()

	ah := ArchiveHeader{
		Magic:   archiveMagic,
		Number:  num,
		FPageID: from,
		NPages:  uint64(end - from),
	}

	path := m.archivePath(num)
	file, err := m.fs.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return classify(err, "create archive "+path)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = classify(cerr, "close archive "+path)
		}
	}()

	hp, err := headerPage(&ah)
	if err != nil {
		return err
	}
	if err := m.writeAt(file, hp.Bytes(), 0, "archive header"); err != nil {
		return err
	}

	for id := from; id < end; id++ {
		m.mu.RLock()
		slot := m.toPhysicalLocked(id)
		m.mu.RUnlock()

		p, err := m.readActive(id, slot)
		if err != nil {
			return fmt.Errorf("archive page %d: %w", id, err)
		}

		pos := int64(id-from+1) * page.PageSize //nolint:gosec
		if err := m.writeAt(file, p.Bytes(), pos, fmt.Sprintf("archive page %d", id)); err != nil {
			return err
		}
	}

	if err := file.Sync(); err != nil {
		return classify(err, "sync archive "+path)
	}

	m.mu.Lock()
	m.hdr.NextArchivePageID = end
	m.hdr.NextArchiveNum = num + 1
	m.hdr.HAFileStatus = HAFileStatusArchived
	m.archives = append(m.archives, ah)
	err = m.writeHeaderPage()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.Sync(); err != nil {
		return err
	}

	m.archivesCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int("number", int(num))))
	m.log.Infow(
		"archived log pages",
		"archive", path,
		"from", from,
		"to", end,
		"size", humanize.IBytes(uint64(end-from)*page.PageSize),
	)

	return nil
}

func (m *Manager) readArchiveHeader(num uint32) (ArchiveHeader, error) {
	path := m.archivePath(num)
	file, err := m.fs.Open(filepath.Clean(path))
	if err != nil {
		return ArchiveHeader{}, err
	}
	defer file.Close()

	raw := make([]byte, page.PageSize)
	if _, err := file.ReadAt(raw, 0); err != nil {
		return ArchiveHeader{}, fmt.Errorf("%w: read archive header %s: %w", common.ErrIOFatal, path, err)
	}

	p, err := page.Load(raw)
	if err != nil {
		return ArchiveHeader{}, err
	}
	if err := p.Validate(page.HeaderPageID); err != nil {
		return ArchiveHeader{}, fmt.Errorf("archive %s: %w", path, err)
	}

	var ah ArchiveHeader
	if err := ah.UnmarshalBinary(p.Area()); err != nil {
		return ArchiveHeader{}, err
	}
	if ah.Number != num {
		return ArchiveHeader{}, errors.Wrapf(
			common.ErrCorruptPage,
			"archive %s claims number %d",
			path,
			ah.Number,
		)
	}
	return ah, nil
}

func (m *Manager) readArchived(ah ArchiveHeader, id common.PageID) (*page.LogPage, error) {
	if raw, ok := m.cache.Get(uint64(id)); ok {
		return page.Load(raw)
	}

	path := m.archivePath(ah.Number)
	file, err := m.fs.Open(filepath.Clean(path))
	if err != nil {
		return nil, classify(err, "open archive "+path)
	}
	defer file.Close()

	raw := make([]byte, page.PageSize)
	pos := int64(id-ah.FPageID+1) * page.PageSize //nolint:gosec
	if _, err := file.ReadAt(raw, pos); err != nil {
		return nil, fmt.Errorf("%w: read page %d from %s: %w", common.ErrIOFatal, id, path, err)
	}

	p, err := page.Load(raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(id); err != nil {
		return nil, fmt.Errorf("archive %s: %w", path, err)
	}

	m.cache.Set(uint64(id), raw, page.PageSize)
	return p, nil
}

// ArchivePath returns the file name of archive num.
func (m *Manager) ArchivePath(num uint32) string {
	return m.archivePath(num)
}

// ActivePath returns the file name of the active volume.
func (m *Manager) ActivePath() string {
	return m.activePath()
}
