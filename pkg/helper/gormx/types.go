package gormx

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONMap opaque structured mapping stored as a json text column
type JSONMap map[string]any

func (m *JSONMap) GormDataType() string                                   { return "jsonmap" }
func (m *JSONMap) GormDBDataType(db *gorm.DB, field *schema.Field) string { return "text" }

func (m *JSONMap) Scan(in interface{}) error {
	var v []byte

	switch vv := in.(type) {
	case string:
		v = []byte(vv)
	case []byte:
		v = vv
	default:
		return errors.Errorf("fail to parse JSONMap: %s", in)
	}

	if len(v) == 0 {
		return nil
	}

	mm := map[string]any{}
	if err := json.Unmarshal(v, &mm); err != nil {
		return err
	}
	*m = mm

	return nil
}

func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}

	v, err := json.Marshal(map[string]any(m))
	if err != nil {
		return "", err
	}

	return string(v), nil
}
