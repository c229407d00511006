// Package filesource implements a sensor source backed by JSON Lines files
// dropped into a directory tree laid out as <dir>/<owner>/<metric_type>.jsonl.
package filesource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Compile-time check that Source implements SensorSourcePort.
var _ ports.SensorSourcePort = (*Source)(nil)

// FileExt is the extension of sample files.
const FileExt = ".jsonl"

// Sample is one raw reading. Session metrics set End; their value is the
// session length in minutes.
type Sample struct {
	At    time.Time  `json:"at"`
	Value float64    `json:"value"`
	End   *time.Time `json:"end,omitempty"`
}

// sessionPayload mirrors the structured payload of session metrics.
type sessionPayload struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Sessions int    `json:"sessions"`
}

// Source reads samples from disk and aggregates them per bucket.
type Source struct {
	dir string
	loc *time.Location
}

// NewSource creates a source rooted at dir. Buckets are computed in loc.
func NewSource(dir string, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{dir: dir, loc: loc}
}

// Dir returns the root directory.
func (s *Source) Dir() string {
	return s.dir
}

// Path returns the sample file for owner and metric type.
func (s *Source) Path(ownerID string, metricType metric.Type) string {
	return filepath.Join(s.dir, ownerID, string(metricType)+FileExt)
}

// FetchBucketedAggregates aggregates samples with At in [from, to). A missing
// file yields no buckets.
func (s *Source) FetchBucketedAggregates(ctx context.Context, ownerID string, metricType metric.Type, from, to time.Time) ([]ports.BucketAggregate, error) {
	def, ok := metric.Lookup(metricType)
	if !ok {
		return nil, domainErrors.WithContext(
			domainErrors.NewError(domainErrors.CodeValidation, "unsupported metric type", domainErrors.ErrUnknownMetricType),
			"metric_type", string(metricType))
	}

	samples, err := s.readSamples(ctx, s.Path(ownerID, metricType), from, to)
	if err != nil {
		return nil, err
	}

	groups := make(map[time.Time][]Sample)
	for _, sample := range samples {
		bucket := metric.BucketStart(sample.At, def.Bucket, s.loc)
		groups[bucket] = append(groups[bucket], sample)
	}

	buckets := make([]time.Time, 0, len(groups))
	for b := range groups {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })

	out := make([]ports.BucketAggregate, 0, len(buckets))
	for _, b := range buckets {
		agg, err := aggregate(def, b, groups[b])
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

func (s *Source) readSamples(ctx context.Context, path string, from, to time.Time) ([]Sample, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, sourceError(path, err)
	}
	defer f.Close()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var sample Sample
		if err := json.Unmarshal(raw, &sample); err != nil {
			return nil, domainErrors.WithContext(
				domainErrors.WithContext(sourceError(path, err), "line", line),
				"reason", "malformed sample")
		}
		if sample.At.Before(from) || !sample.At.Before(to) {
			continue
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, sourceError(path, err)
	}
	return samples, nil
}

func aggregate(def metric.Definition, bucket time.Time, samples []Sample) (ports.BucketAggregate, error) {
	agg := ports.BucketAggregate{BucketStart: bucket}

	switch def.Aggregation {
	case metric.AggregationAverage:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		agg.Value = sum / float64(len(samples))

	case metric.AggregationSession:
		sort.Slice(samples, func(i, j int) bool { return samples[i].At.Before(samples[j].At) })
		start := samples[0].At
		end := start
		for _, s := range samples {
			minutes := s.Value
			if s.End != nil {
				minutes = s.End.Sub(s.At).Minutes()
				if s.End.After(end) {
					end = *s.End
				}
			} else if e := s.At.Add(time.Duration(s.Value * float64(time.Minute))); e.After(end) {
				end = e
			}
			agg.Value += minutes
		}
		payload, err := json.Marshal(sessionPayload{
			Start:    start.UTC().Format(time.RFC3339),
			End:      end.UTC().Format(time.RFC3339),
			Sessions: len(samples),
		})
		if err != nil {
			return agg, fmt.Errorf("failed to encode session payload: %w", err)
		}
		agg.Payload = payload

	default:
		for _, s := range samples {
			agg.Value += s.Value
		}
	}
	return agg, nil
}

func sourceError(path string, err error) *domainErrors.SyncError {
	return domainErrors.WithContext(
		domainErrors.NewError(domainErrors.CodeSource, "failed to read samples", errors.Join(domainErrors.ErrSourceUnavailable, err)),
		"path", path)
}
