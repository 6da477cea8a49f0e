package disk

import (
	"bytes"
	"encoding/binary"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/storage/page"
)

const (
	logMagic     uint32 = 0x54584c47 // "TXLG"
	archiveMagic uint32 = 0x54584152 // "TXAR"
)

// ServerStatus is published to log writers through the header page.
type ServerStatus uint8

const (
	ServerStatusActive ServerStatus = iota + 1
	ServerStatusStandby
	ServerStatusMaintenance
)

func (s ServerStatus) String() string {
	switch s {
	case ServerStatusActive:
		return "active"
	case ServerStatusStandby:
		return "standby"
	case ServerStatusMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func ParseServerStatus(s string) (ServerStatus, error) {
	for _, st := range []ServerStatus{
		ServerStatusActive,
		ServerStatusStandby,
		ServerStatusMaintenance,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.Errorf("unknown server status %q", s)
}

// HAFileStatus tells a replica whether its copy of the log is in sync.
type HAFileStatus uint8

const (
	HAFileStatusClear HAFileStatus = iota
	HAFileStatusArchived
	HAFileStatusSynchronized
	HAFileStatusLagging
)

// LogHeader is persisted in the header page (physical page 0) of the
// active volume.
type LogHeader struct {
	Magic    uint32
	PageSize uint32
	NPages   uint64

	// FPageID is the logical page id stored at physical slot 0 of the
	// current lap over the active segment.
	FPageID common.PageID

	AppendLSA common.LSA
	// LastRecordLSA is the last record before AppendLSA. It lets a mount
	// cut an append page that reached disk ahead of its header.
	LastRecordLSA common.LSA
	ChkptLSA      common.LSA

	// NextArchivePageID is the first logical page not yet archived.
	NextArchivePageID common.PageID
	NextArchiveNum    uint32

	NextTxnID common.TxnID

	IsShutdown   bool
	ServerStatus ServerStatus
	HAFileStatus HAFileStatus
}

func newLogHeader(npages uint64) LogHeader {
	return LogHeader{
		Magic:             logMagic,
		PageSize:          page.PageSize,
		NPages:            npages,
		FPageID:           0,
		AppendLSA:         common.NewLSA(0, 0),
		LastRecordLSA:     common.NilLSA,
		ChkptLSA:          common.NilLSA,
		NextArchivePageID: 0,
		NextArchiveNum:    0,
		NextTxnID:         1,
		IsShutdown:        false,
		ServerStatus:      ServerStatusActive,
		HAFileStatus:      HAFileStatusClear,
	}
}

func (h *LogHeader) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *LogHeader) UnmarshalBinary(data []byte) error {
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return err
	}

	if h.Magic != logMagic {
		return errors.Wrapf(common.ErrCorruptPage, "bad log header magic %#x", h.Magic)
	}

	if h.PageSize != page.PageSize {
		return errors.Errorf("log was created with page size %d, running with %d", h.PageSize, page.PageSize)
	}

	return nil
}

// ArchiveHeader is the first page of every archive file.
type ArchiveHeader struct {
	Magic   uint32
	Number  uint32
	FPageID common.PageID
	NPages  uint64
}

func (h *ArchiveHeader) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *ArchiveHeader) UnmarshalBinary(data []byte) error {
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return err
	}

	if h.Magic != archiveMagic {
		return errors.Wrapf(common.ErrCorruptPage, "bad archive header magic %#x", h.Magic)
	}
	return nil
}

// Contains reports whether the archive holds logical page id.
func (h ArchiveHeader) Contains(id common.PageID) bool {
	return id >= h.FPageID && uint64(id-h.FPageID) < h.NPages
}

func (h ArchiveHeader) End() common.PageID {
	return h.FPageID + common.PageID(h.NPages)
}

// headerPage wraps a marshalled header into a sealed page image.
func headerPage(h interface{ MarshalBinary() ([]byte, error) }) (*page.LogPage, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	p := page.NewLogPage(page.HeaderPageID)
	if _, ok := p.Append(data); !ok {
		return nil, errors.New("header does not fit into a page")
	}
	p.Seal()

	return p, nil
}
