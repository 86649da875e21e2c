package rotation

import "time"

// State is the per-niche rotation pointer.
type State struct {
	NicheID           string    `gorm:"column:niche_id;primaryKey"`
	NextStartPosition int       `gorm:"column:next_start_position"`
	Advances          int64     `gorm:"column:advances"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (State) TableName() string { return "rotation_states" }

func Models() []any {
	return []any{&State{}}
}

// Traversal is the tier order for one distribution run.
type Traversal struct {
	NicheID           string   `json:"niche_id"`
	StartPosition     int      `json:"start_position"`
	TierIDs           []string `json:"tier_ids"`
	NextStartPosition int      `json:"next_start_position"`
}
