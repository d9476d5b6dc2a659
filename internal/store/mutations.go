package store

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const mutationsTable = "pending_mutations"

// AddPendingRequest appends mutation to the queue in a single transaction and returns its id.
// Missing ids, status, priority and entity key are filled in; Seq always reflects enqueue order.
func (s *Store) AddPendingRequest(ctx context.Context, mutation *PendingMutation) (string, error) {
	const op = "add_pending_request"
	if mutation == nil {
		return "", wrapError(op, mutationsTable, ErrInvalidKey)
	}

	if mutation.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return "", wrapError(op, mutationsTable, err)
		}
		mutation.ID = id
	}
	if mutation.Status == "" {
		mutation.Status = StatusPending
	}
	if mutation.Priority == "" {
		mutation.Priority = PriorityNormal
	}
	if mutation.EntityKey == "" {
		mutation.EntityKey = mutation.TempID
	}
	now := s.nowMillis()
	mutation.CreatedAtMillis = now
	mutation.UpdatedAtMillis = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&PendingMutation{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		mutation.Seq = maxSeq + 1
		return tx.Create(mutation).Error
	})
	if err != nil {
		return "", wrapError(op, mutationsTable, err)
	}
	return mutation.ID, nil
}

// UpdatePendingRequestData merges patch into the payload of the queued CREATE for tempID.
// It returns ErrNotFound when no CREATE is queued and ErrMutationNotPending once the CREATE was dispatched.
func (s *Store) UpdatePendingRequestData(ctx context.Context, tempID string, patch map[string]any) error {
	const op = "update_pending_request_data"
	if strings.TrimSpace(tempID) == "" {
		return wrapError(op, mutationsTable, ErrInvalidKey)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mutation PendingMutation
		err := tx.Where("temp_id = ? AND type = ?", tempID, MutationCreate).
			Order("seq DESC").
			Take(&mutation).Error
		if err != nil {
			return err
		}
		if mutation.Status != StatusPending && mutation.Status != StatusFailed {
			return ErrMutationNotPending
		}

		payload, err := DecodeObject(mutation.Data)
		if err != nil {
			return err
		}
		for field, value := range patch {
			payload[field] = value
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return encodeError(err)
		}

		return tx.Model(&PendingMutation{}).
			Where("id = ?", mutation.ID).
			Updates(map[string]any{
				"data_json":     datatypes.JSON(encoded),
				"updated_at_ms": s.nowMillis(),
			}).Error
	})
	return wrapError(op, mutationsTable, err)
}

// Mutation returns the queued mutation with id, or nil when absent.
func (s *Store) Mutation(ctx context.Context, id string) (*PendingMutation, error) {
	var mutation PendingMutation
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("mutation", mutationsTable, err)
	}
	return &mutation, nil
}

// PendingMutations lists every mutation that is not done, in enqueue order.
func (s *Store) PendingMutations(ctx context.Context) ([]PendingMutation, error) {
	var mutations []PendingMutation
	err := s.db.WithContext(ctx).
		Where("status <> ?", StatusDone).
		Order("seq ASC").
		Find(&mutations).Error
	if err != nil {
		return nil, wrapError("pending_mutations", mutationsTable, err)
	}
	return mutations, nil
}

// MutationsByStatus lists mutations in any of statuses, in enqueue order.
func (s *Store) MutationsByStatus(ctx context.Context, statuses ...MutationStatus) ([]PendingMutation, error) {
	var mutations []PendingMutation
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("seq ASC").
		Find(&mutations).Error
	if err != nil {
		return nil, wrapError("mutations_by_status", mutationsTable, err)
	}
	return mutations, nil
}

// MutationsForEntity lists the mutations targeting entityKey that are not done, in enqueue order.
func (s *Store) MutationsForEntity(ctx context.Context, entityKey string) ([]PendingMutation, error) {
	var mutations []PendingMutation
	err := s.db.WithContext(ctx).
		Where("entity_key = ? AND status <> ?", entityKey, StatusDone).
		Order("seq ASC").
		Find(&mutations).Error
	if err != nil {
		return nil, wrapError("mutations_for_entity", mutationsTable, err)
	}
	return mutations, nil
}

// PendingCreateFor returns the CREATE queued for tempID that has not completed, or nil.
func (s *Store) PendingCreateFor(ctx context.Context, tempID string) (*PendingMutation, error) {
	var mutation PendingMutation
	err := s.db.WithContext(ctx).
		Where("temp_id = ? AND type = ? AND status <> ?", tempID, MutationCreate, StatusDone).
		Order("seq DESC").
		Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("pending_create_for", mutationsTable, err)
	}
	return &mutation, nil
}

// SaveMutation persists every column of mutation.
func (s *Store) SaveMutation(ctx context.Context, mutation *PendingMutation) error {
	mutation.UpdatedAtMillis = s.nowMillis()
	return wrapError("save_mutation", mutationsTable, s.db.WithContext(ctx).Save(mutation).Error)
}

// DeleteMutation removes a mutation from the queue.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&PendingMutation{}).Error
	return wrapError("delete_mutation", mutationsTable, err)
}

// RewriteTempID replaces tempID with realID in the endpoint, payload and entity key of every queued
// mutation that is not done. It returns the number of mutations changed.
func (s *Store) RewriteTempID(ctx context.Context, tempID, realID string) (int, error) {
	const op = "rewrite_temp_id"
	if tempID == "" || realID == "" {
		return 0, wrapError(op, mutationsTable, ErrInvalidKey)
	}

	replacement := payloadIDValue(realID)
	rewritten := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mutations []PendingMutation
		if err := tx.Where("status <> ?", StatusDone).Order("seq ASC").Find(&mutations).Error; err != nil {
			return err
		}

		for index := range mutations {
			mutation := &mutations[index]
			changed := false

			if strings.Contains(mutation.Endpoint, tempID) {
				mutation.Endpoint = strings.ReplaceAll(mutation.Endpoint, tempID, realID)
				changed = true
			}
			if mutation.EntityKey == tempID {
				mutation.EntityKey = realID
				changed = true
			}
			if len(mutation.Data) > 0 && bytes.Contains(mutation.Data, []byte(tempID)) {
				var payload any
				if err := decodeWithNumbers(mutation.Data, &payload); err != nil {
					return err
				}
				payload, replaced := replaceValue(payload, tempID, replacement)
				if replaced {
					encoded, err := json.Marshal(payload)
					if err != nil {
						return encodeError(err)
					}
					mutation.Data = datatypes.JSON(encoded)
					changed = true
				}
			}

			if !changed {
				continue
			}
			mutation.UpdatedAtMillis = s.nowMillis()
			if err := tx.Save(mutation).Error; err != nil {
				return err
			}
			rewritten++
		}
		return nil
	})
	if err != nil {
		return 0, wrapError(op, mutationsTable, err)
	}
	if rewritten > 0 {
		s.logger.Debug("temp id rewritten in queue",
			zap.String("temp_id", tempID),
			zap.String("real_id", realID),
			zap.Int("mutations", rewritten))
	}
	return rewritten, nil
}

// ResetInFlight returns mutations left in_flight by an interrupted process to pending.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("status = ?", StatusInFlight).
		Updates(map[string]any{"status": StatusPending, "updated_at_ms": s.nowMillis()})
	if result.Error != nil {
		return 0, wrapError("reset_in_flight", mutationsTable, result.Error)
	}
	return result.RowsAffected, nil
}

// RequeueMutation restarts a failed mutation with a fresh attempt budget.
func (s *Store) RequeueMutation(ctx context.Context, id string) error {
	const op = "requeue_mutation"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mutation PendingMutation
		if err := tx.Where("id = ?", id).Take(&mutation).Error; err != nil {
			return err
		}
		if mutation.Status != StatusFailed {
			return ErrMutationNotPending
		}
		return tx.Model(&PendingMutation{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":          StatusPending,
				"attempts":        0,
				"exhausted":       false,
				"next_attempt_ms": 0,
				"last_error":      "",
				"updated_at_ms":   s.nowMillis(),
			}).Error
	})
	return wrapError(op, mutationsTable, err)
}

// PruneDone deletes done mutations completed before cutoff.
func (s *Store) PruneDone(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND completed_at_ms < ?", StatusDone, cutoff.UTC().UnixMilli()).
		Delete(&PendingMutation{})
	if result.Error != nil {
		return 0, wrapError("prune_done", mutationsTable, result.Error)
	}
	return result.RowsAffected, nil
}

// CountByStatus reports queue depth per status.
func (s *Store) CountByStatus(ctx context.Context) (map[MutationStatus]int64, error) {
	type statusCount struct {
		Status MutationStatus
		Total  int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapError("count_by_status", mutationsTable, err)
	}
	counts := make(map[MutationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// DecodeObject decodes a JSON object payload keeping numbers as json.Number. Empty input yields an empty map.
func DecodeObject(raw []byte) (map[string]any, error) {
	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return payload, nil
	}
	if err := decodeWithNumbers(raw, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func decodeWithNumbers(raw []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(out)
}

// payloadIDValue keeps numeric server ids numeric inside rewritten payloads.
func payloadIDValue(realID string) any {
	if _, err := strconv.ParseInt(realID, 10, 64); err == nil {
		return json.Number(realID)
	}
	return realID
}

func replaceValue(value any, target string, replacement any) (any, bool) {
	switch typed := value.(type) {
	case string:
		if typed == target {
			return replacement, true
		}
		return typed, false
	case map[string]any:
		replaced := false
		for key, nested := range typed {
			updated, changed := replaceValue(nested, target, replacement)
			if changed {
				typed[key] = updated
				replaced = true
			}
		}
		return typed, replaced
	case []any:
		replaced := false
		for index, nested := range typed {
			updated, changed := replaceValue(nested, target, replacement)
			if changed {
				typed[index] = updated
				replaced = true
			}
		}
		return typed, replaced
	default:
		return value, false
	}
}
