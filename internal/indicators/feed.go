package indicators

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mailsentry/internal/logger"
	"mailsentry/pkg/models"
)

type feedFile struct {
	Indicators []*models.IndicatorInput `yaml:"indicators"`
}

// LoadFeed parses a YAML indicator feed.
func LoadFeed(path string) ([]*models.IndicatorInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read indicator feed: %w", err)
	}

	var file feedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse indicator feed: %w", err)
	}
	return file.Indicators, nil
}

// IngestFeed upserts every feed entry. Invalid entries are logged and
// skipped; the rest of the feed still loads.
func (s *Store) IngestFeed(ctx context.Context, inputs []*models.IndicatorInput) (created, merged int, err error) {
	for _, in := range inputs {
		_, wasCreated, err := s.Ingest(ctx, in)
		if err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				logger.Warnf("Skipped feed entry %s:%s: %v", in.Type, in.Value, err)
				continue
			}
			return created, merged, err
		}
		if wasCreated {
			created++
		} else {
			merged++
		}
	}
	return created, merged, nil
}
