package database

import (
	"context"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// ExtensionRepository manages provisioned PBX extensions.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByNumber(ctx context.Context, number string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, number string) error
	Count(ctx context.Context) (int64, error)
}

// PhoneRepository manages the registered_phones device-tracking table.
//
// Invariant: at most one row per (mac, extension) and one per
// (ip, extension). Upsert preserves first_registered on refresh and
// replaces rows when a device is re-provisioned to a new extension.
type PhoneRepository interface {
	Upsert(ctx context.Context, phone *models.RegisteredPhone) error
	GetByExtension(ctx context.Context, extension string) ([]models.RegisteredPhone, error)
	List(ctx context.Context) ([]models.RegisteredPhone, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteIncomplete(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// CallRecordListFilter specifies filtering and pagination for CDR queries.
type CallRecordListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches from_ext or to_ext
	Status    string // disposition, or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallRecordRepository manages call detail records.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	Update(ctx context.Context, rec *models.CallRecord) error
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
}

// QoSRepository persists per-direction call quality summaries.
type QoSRepository interface {
	Create(ctx context.Context, rec *models.QoSRecord) error
	GetByCallID(ctx context.Context, callID string) ([]models.QoSRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.QoSRecord, error)
	AverageMOS(ctx context.Context) (float64, error)
}
