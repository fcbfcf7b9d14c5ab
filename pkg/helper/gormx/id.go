package gormx

import "github.com/lithammer/shortuuid/v4"

// GenerateID fill id with a fresh short uuid if empty
func GenerateID(id *string) error {
	if *id == "" {
		*id = shortuuid.New()
	}
	return nil
}
