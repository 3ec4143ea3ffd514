package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dairyline/internal/domain"
)

const (
	PlantInit          = "plant.init"
	FormCreated        = "form.created"
	FormUpdated        = "form.updated"
	FormStatusChanged  = "form.status.changed"
	FormApproval       = "form.approval.recorded"
	GrantCreated       = "grant.created"
	GrantDeleted       = "grant.deleted"
	UserUpserted       = "user.upserted"
	PlantConfigUpdated = "plant.config.updated"
	FormDeleted        = "form.deleted"
	APIKeyCreated      = "apikey.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, plantID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,plant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(domain.TimeLayout), evtType, nullable(plantID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
