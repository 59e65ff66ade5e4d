package syncer

import "github.com/gearbase/gearbase/internal/models"

// SyncRequest is the body of a batch upload to the sync endpoint.
type SyncRequest struct {
	Changes []*models.ChangeEntry `json:"changes" binding:"required"`
}

// SyncResponse reports per-entry outcomes in-band; partial failure is
// still a 200.
type SyncResponse struct {
	Success bool `json:"success"`
	BatchResult
}
