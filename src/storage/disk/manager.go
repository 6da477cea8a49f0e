package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/pkg/assert"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

const (
	activeSuffix  = "_lgat"
	archiveFormat = "%s_lgar%03d"
)

// Manager is the log page store. It owns the active volume (a header page
// followed by a circular segment of NPages pages) and the archive files
// that hold pages rotated out of the active segment.
type Manager struct {
	fs     afero.Fs
	dir    string
	prefix string
	log    src.Logger

	// serializes positional I/O: afero file handles share a cursor
	ioMu   sync.Mutex
	active afero.File

	mu       sync.RWMutex
	hdr      LogHeader
	highest  int64 // highest logical page id ever written to the active segment
	archives []ArchiveHeader

	cache *ristretto.Cache[uint64, []byte]

	archivesCreated metric.Int64Counter
}

type Options struct {
	Dir    string
	Prefix string

	// NPages is only used when the log is created.
	NPages uint64

	// ArchiveCachePages bounds the archived page cache.
	ArchiveCachePages int64

	// ReadOnly mounts an existing log for inspection. A missing log is
	// an error instead of being created.
	ReadOnly bool
}

func Open(fs afero.Fs, opts Options, log src.Logger) (*Manager, error) {
	assert.Assert(opts.NPages > 0, "active segment must have pages")

	if !opts.ReadOnly {
		if err := fs.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", opts.Dir, err)
		}
	}

	path := filepath.Join(opts.Dir, opts.Prefix+activeSuffix)
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("stat active log %s: %w", path, err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		if !exists {
			return nil, fmt.Errorf("active log %s: %w", path, os.ErrNotExist)
		}
		flags = os.O_RDONLY
	}

	file, err := fs.OpenFile(filepath.Clean(path), flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open active log %s: %w", path, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: max(opts.ArchiveCachePages*10, 100),
		MaxCost:     max(opts.ArchiveCachePages, 1) * page.PageSize,
		BufferItems: 64,
	})
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("create archive page cache: %w", err)
	}

	archivesCreated, err := otel.Meter(meterName).Int64Counter(
		"txnlog.archives.created",
		metric.WithDescription("Number of log archive files created"),
	)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		fs:              fs,
		dir:             opts.Dir,
		prefix:          opts.Prefix,
		log:             log,
		active:          file,
		highest:         -1,
		cache:           cache,
		archivesCreated: archivesCreated,
	}

	if !exists {
		m.hdr = newLogHeader(opts.NPages)
		if err := m.writeHeaderPage(); err != nil {
			_ = m.Close()
			return nil, err
		}
		if err := m.Sync(); err != nil {
			_ = m.Close()
			return nil, err
		}
		log.Infow("created active log", "path", path, "npages", opts.NPages)
		return m, nil
	}

	if err := m.mount(); err != nil {
		_ = m.Close()
		return nil, err
	}

	if m.hdr.NPages != opts.NPages {
		log.Warnw(
			"active log page count differs from configuration, using the log's",
			"log", m.hdr.NPages,
			"configured", opts.NPages,
		)
	}

	log.Infow(
		"mounted active log",
		"path", path,
		"append_lsa", m.hdr.AppendLSA.String(),
		"archives", len(m.archives),
		"clean_shutdown", m.hdr.IsShutdown,
	)
	return m, nil
}

func (m *Manager) mount() error {
	raw := make([]byte, page.PageSize)
	if _, err := m.active.ReadAt(raw, 0); err != nil {
		return fmt.Errorf("%w: read log header: %w", common.ErrIOFatal, err)
	}

	p, err := page.Load(raw)
	if err != nil {
		return err
	}
	if err := p.Validate(page.HeaderPageID); err != nil {
		return fmt.Errorf("log header page: %w", err)
	}
	if err := m.hdr.UnmarshalBinary(p.Area()); err != nil {
		return err
	}

	if m.hdr.AppendLSA.Offset > 0 {
		m.highest = int64(m.hdr.AppendLSA.PageID) //nolint:gosec
	} else {
		m.highest = int64(m.hdr.AppendLSA.PageID) - 1 //nolint:gosec
	}

	for num := range m.hdr.NextArchiveNum {
		ah, err := m.readArchiveHeader(num)
		if errors.Is(err, os.ErrNotExist) {
			m.log.Warnw("log archive is missing", "number", num)
			continue
		}
		if err != nil {
			return err
		}
		m.archives = append(m.archives, ah)
	}

	return nil
}

func (m *Manager) activePath() string {
	return filepath.Join(m.dir, m.prefix+activeSuffix)
}

func (m *Manager) archivePath(num uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf(archiveFormat, m.prefix, num))
}

// Header returns a copy of the in-memory log header.
func (m *Manager) Header() LogHeader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hdr
}

// UpdateHeader mutates the header and writes the header page. The write
// becomes durable with the next Sync.
func (m *Manager) UpdateHeader(fn func(h *LogHeader)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.hdr)
	return m.writeHeaderPage()
}

func (m *Manager) writeHeaderPage() error {
	p, err := headerPage(&m.hdr)
	if err != nil {
		return err
	}

	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	return m.writeAt(m.active, p.Bytes(), 0, "header page")
}

// ToPhysical maps a logical page id onto its slot in the active segment.
func (m *Manager) ToPhysical(id common.PageID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toPhysicalLocked(id)
}

func (m *Manager) toPhysicalLocked(id common.PageID) int64 {
	npages := int64(m.hdr.NPages)            //nolint:gosec
	slot := int64(id) - int64(m.hdr.FPageID) //nolint:gosec
	if slot >= npages {
		slot %= npages
	} else if slot < 0 {
		slot = npages - ((-slot) % npages)
		if slot == npages {
			slot = 0
		}
	}
	return slot
}

func (m *Manager) offsetOf(slot int64) int64 {
	// physical page 0 is the header page
	return (slot + 1) * page.PageSize
}

// IsArchived reports whether a logical page has been copied to an archive.
func (m *Manager) IsArchived(id common.PageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id < m.hdr.NextArchivePageID
}

func (m *Manager) isResidentLocked(id common.PageID) bool {
	if m.highest < 0 || int64(id) > m.highest { //nolint:gosec
		return false
	}
	return uint64(m.highest)-uint64(id) < m.hdr.NPages //nolint:gosec
}

// ArchiveOf returns the header of the archive holding id.
func (m *Manager) ArchiveOf(id common.PageID) (ArchiveHeader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.archiveOfLocked(id)
}

func (m *Manager) archiveOfLocked(id common.PageID) (ArchiveHeader, bool) {
	for i := len(m.archives) - 1; i >= 0; i-- {
		if m.archives[i].Contains(id) {
			return m.archives[i], true
		}
	}
	return ArchiveHeader{}, false
}

// SegmentEnd returns the exclusive upper bound of the segment that
// currently serves id: the end of its archive file when the page is only
// available there, or the highest written page plus one for the active
// segment. The second result is true when the page is served by an
// archive.
func (m *Manager) SegmentEnd(id common.PageID) (common.PageID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.isResidentLocked(id) {
		return common.PageID(m.highest + 1), false, nil //nolint:gosec
	}
	if ah, ok := m.archiveOfLocked(id); ok {
		return ah.End(), true, nil
	}
	return 0, false, errors.Wrapf(common.ErrNoSuchPage, "page %d", id)
}

// ReadPage returns the validated image of a logical log page.
func (m *Manager) ReadPage(id common.PageID) (*page.LogPage, error) {
	m.mu.RLock()
	resident := m.isResidentLocked(id)
	slot := m.toPhysicalLocked(id)
	ah, archived := m.archiveOfLocked(id)
	m.mu.RUnlock()

	if resident {
		p, err := m.readActive(id, slot)
		if err == nil {
			return p, nil
		}
		// the slot may have been recycled while we were reading
		if !archived || !errors.Is(err, common.ErrCorruptPage) {
			return nil, err
		}
	}

	if archived {
		return m.readArchived(ah, id)
	}

	return nil, errors.Wrapf(common.ErrNoSuchPage, "page %d", id)
}

func (m *Manager) readActive(id common.PageID, slot int64) (*page.LogPage, error) {
	raw := make([]byte, page.PageSize)

	m.ioMu.Lock()
	_, err := m.active.ReadAt(raw, m.offsetOf(slot))
	m.ioMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: read page %d (slot %d): %w", common.ErrIOFatal, id, slot, err)
	}

	p, err := page.Load(raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(id); err != nil {
		return nil, err
	}
	return p, nil
}

// WritePages writes a run of pages with consecutive logical ids. Pages
// must be sealed. The run is issued as one write per physically
// contiguous stretch of the circular segment.
func (m *Manager) WritePages(run []*page.LogPage) error {
	if len(run) == 0 {
		return nil
	}

	m.mu.RLock()
	first := run[0].PageID()
	for i, p := range run {
		assert.Assert(
			p.PageID() == first+common.PageID(i),
			"run is not contiguous: expected %d, got %d",
			first+common.PageID(i),
			p.PageID(),
		)
		assert.Assert(
			uint64(p.PageID()) < m.hdr.NPages ||
				p.PageID()-common.PageID(m.hdr.NPages) < m.hdr.NextArchivePageID,
			"page %d would overwrite an unarchived page",
			p.PageID(),
		)
	}

	type stretch struct {
		slot  int64
		pages []*page.LogPage
	}

	var stretches []stretch
	for _, p := range run {
		slot := m.toPhysicalLocked(p.PageID())
		if n := len(stretches); n > 0 {
			last := &stretches[n-1]
			if last.slot+int64(len(last.pages)) == slot {
				last.pages = append(last.pages, p)
				continue
			}
		}
		stretches = append(stretches, stretch{slot: slot, pages: []*page.LogPage{p}})
	}
	m.mu.RUnlock()

	for _, s := range stretches {
		buf := make([]byte, 0, len(s.pages)*page.PageSize)
		for _, p := range s.pages {
			buf = append(buf, p.Bytes()...)
		}

		m.ioMu.Lock()
		err := m.writeAt(m.active, buf, m.offsetOf(s.slot), fmt.Sprintf("pages %d..%d", s.pages[0].PageID(), s.pages[len(s.pages)-1].PageID()))
		m.ioMu.Unlock()
		if err != nil {
			return err
		}
	}

	last := int64(run[len(run)-1].PageID()) //nolint:gosec
	m.mu.Lock()
	m.highest = max(m.highest, last)
	m.mu.Unlock()

	return nil
}

func (m *Manager) writeAt(f afero.File, data []byte, off int64, what string) error {
	n, err := f.WriteAt(data, off)
	if n < len(data) {
		if err == nil {
			err = io.ErrShortWrite
		}
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %s: %w", common.ErrOutOfSpace, what, err)
		}
		return fmt.Errorf("%w: %s: wrote %d of %d bytes: %w", common.ErrPartialWrite, what, n, len(data), err)
	}
	if err != nil {
		return classify(err, what)
	}
	return nil
}

func classify(err error, what string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %w", common.ErrOutOfSpace, what, err)
	}
	return fmt.Errorf("%w: %s: %w", common.ErrIOFatal, what, err)
}

// Sync makes every previous write to the active volume durable.
func (m *Manager) Sync() error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	if err := m.active.Sync(); err != nil {
		return classify(err, "sync active log")
	}
	return nil
}

// EnsureWritable archives as many pages as needed so that every page up
// to upTo can be written without overwriting an unarchived page. Pages at
// or after completeBefore may still change and are never archived.
func (m *Manager) EnsureWritable(ctx context.Context, upTo, completeBefore common.PageID) error {
	for {
		m.mu.RLock()
		npages := common.PageID(m.hdr.NPages)
		next := m.hdr.NextArchivePageID
		fpageid := m.hdr.FPageID
		highest := m.highest
		m.mu.RUnlock()

		if upTo >= fpageid+npages {
			if err := m.UpdateHeader(func(h *LogHeader) { h.FPageID += npages }); err != nil {
				return err
			}
			continue
		}

		if upTo < npages || upTo-npages < next {
			return nil
		}

		end := min(next+npages, completeBefore, common.PageID(highest+1)) //nolint:gosec
		assert.Assert(
			end > upTo-npages,
			"cannot archive enough pages: need past %d, may archive up to %d",
			upTo-npages,
			end,
		)

		if err := m.archiveRange(ctx, next, end); err != nil {
			return err
		}
	}
}

func (m *Manager) Close() error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.cache.Close()
	return m.active.Close()
}
