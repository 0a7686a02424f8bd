package workroom

import "time"

// Entity carries the timestamps shared by all persisted workroom entities.
// Embed it in entity structs; stores stamp UpdatedAt on every write.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
