package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// ReadCatalogFile parses a lab catalogue. The file holds either a JSON array
// of labs or an object with a "labs" array.
func ReadCatalogFile(path string) ([]models.Lab, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	var labs []models.Lab
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &labs)
	} else {
		var doc struct {
			Labs []models.Lab `json:"labs"`
		}
		err = json.Unmarshal(raw, &doc)
		labs = doc.Labs
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	for i, lab := range labs {
		if err := models.ValidateLab(lab); err != nil {
			return nil, fmt.Errorf("catalog file %s lab %d: %w", path, i, err)
		}
	}
	return labs, nil
}

// Seed registers every lab with the store.
func Seed(ctx context.Context, st Store, labs []models.Lab) error {
	for _, lab := range labs {
		if _, err := st.PutLab(ctx, lab); err != nil {
			return fmt.Errorf("seed lab %s: %w", lab.ID, err)
		}
	}
	return nil
}
