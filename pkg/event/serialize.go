package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ペイロードの予約フィールド。属性に同名のキーがあっても上書きされる。
const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
	fieldEventID   = "event_id"
)

// New は新しいイベントを生成する。
// dataにはイベント固有の属性を表す構造体を渡す。JSONオブジェクトにシリアライズされる。
func New(eventType Type, subject string, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	if len(jsonData) == 0 || jsonData[0] != '{' {
		return nil, fmt.Errorf("イベントデータはJSONオブジェクトである必要があります: type=%s", eventType)
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Data:      jsonData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Payload はイベントログに送信するペイロードを返す。
// 属性とtype・timestamp・event_idを1つのJSONオブジェクトに平坦化する。
func (e *Event) Payload() ([]byte, error) {
	fields := map[string]any{}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &fields); err != nil {
			return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
		}
	}
	fields[fieldType] = e.Type
	fields[fieldTimestamp] = e.Timestamp.Format(time.RFC3339Nano)
	fields[fieldEventID] = e.ID

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	return payload, nil
}

// Decode はPayloadで生成したペイロードからイベントを復元する。
// Subjectはペイロードに含まれないため、呼び出し元がパーティションキーから設定する。
func Decode(payload []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("ペイロードのデシリアライズに失敗: %w", err)
	}

	var e Event
	if err := json.Unmarshal(fields[fieldType], &e.Type); err != nil {
		return nil, fmt.Errorf("typeフィールドが不正: %w", err)
	}
	if raw, ok := fields[fieldEventID]; ok {
		if err := json.Unmarshal(raw, &e.ID); err != nil {
			return nil, fmt.Errorf("event_idフィールドが不正: %w", err)
		}
	}
	var ts string
	if err := json.Unmarshal(fields[fieldTimestamp], &ts); err != nil {
		return nil, fmt.Errorf("timestampフィールドが不正: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("timestampのパースに失敗: %w", err)
	}
	e.Timestamp = parsed

	delete(fields, fieldType)
	delete(fields, fieldTimestamp)
	delete(fields, fieldEventID)
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	e.Data = data
	return &e, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
