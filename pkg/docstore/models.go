package docstore

import (
	"time"

	"gorm.io/datatypes"
)

// RecordModel stores one record of any collection as a JSON field bag.
type RecordModel struct {
	Collection string            `gorm:"primaryKey;size:64"`
	ID         string            `gorm:"primaryKey;size:64"`
	Fields     datatypes.JSONMap `gorm:"not null"`
	CreatedAt  time.Time         `gorm:"not null"`
	UpdatedAt  time.Time         `gorm:"not null;index"`
}

func (RecordModel) TableName() string {
	return "records"
}

func modelToRecord(m RecordModel) Record {
	return Record{ID: m.ID, Fields: CloneFields(Fields(m.Fields))}
}
