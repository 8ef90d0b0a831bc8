package engine

import "time"

// Template field names exposed to message templates and actions.
const (
	FieldBoardID    = "board_id"
	FieldBoardDesc  = "board_desc"
	FieldSensorType = "sensor_type"
	FieldSensorData = "sensor_data"
	FieldMessage    = "message"
)

// SensorEvent is one normalized reading.
type SensorEvent struct {
	ID         string    `json:"id,omitempty"`
	BoardID    string    `json:"board_id"`
	SensorType string    `json:"sensor_type"`
	Value      string    `json:"sensor_data"`
	BoardDesc  string    `json:"board_desc,omitempty"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Fields returns the values available to message templates. The message is
// only present once set.
func (e SensorEvent) Fields() map[string]string {
	fields := map[string]string{
		FieldBoardID:    e.BoardID,
		FieldBoardDesc:  e.BoardDesc,
		FieldSensorType: e.SensorType,
		FieldSensorData: e.Value,
	}
	if e.Message != "" {
		fields[FieldMessage] = e.Message
	}
	return fields
}
