package shelfcache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shelf-cache/shelf-cache/cache"
	serializer "github.com/shelf-cache/shelf-cache/pkg/response-serializer"
)

// Bucket names carry the cache generation. Bumping the generation and
// re-activating deletes everything from prior generations; that sweep
// is the only eviction mechanism.
const (
	staticBucketFormat  = "shelf-static-v%d"
	dynamicBucketFormat = "shelf-dynamic-v%d"
	coversBucketFormat  = "shelf-covers-v%d"
)

func (wk *Worker) staticBucket() string {
	return fmt.Sprintf(staticBucketFormat, wk.generation)
}

func (wk *Worker) dynamicBucket() string {
	return fmt.Sprintf(dynamicBucketFormat, wk.generation)
}

func (wk *Worker) coversBucket() string {
	return fmt.Sprintf(coversBucketFormat, wk.generation)
}

// CurrentBuckets returns the bucket names belonging to the current
// generation. Everything else is deleted on activation.
func (wk *Worker) CurrentBuckets() []string {
	return []string{wk.staticBucket(), wk.dynamicBucket(), wk.coversBucket()}
}

// Install populates the static bucket with the configured manifest of
// core assets fetched from the origin. It must complete before the
// lifecycle is considered ready: any asset failing fails the install.
func (wk *Worker) Install(ctx context.Context) error {
	bucket, err := wk.buckets.Open(wk.staticBucket())
	if err != nil {
		return err
	}
	for _, path := range wk.manifest {
		req, err := http.NewRequestWithContext(ctx, "GET", wk.origin.String()+path, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		res, err := wk.client.Do(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return fmt.Errorf("install %s: origin returned status %d", path, res.StatusCode)
		}
		bts, err := serializer.ResponseToBytes(res)
		res.Body.Close()
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		err = bucket.Put(cache.Entry{Key: "GET " + path, StoredAt: time.Now(), Bytes: bts})
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
	}
	wk.log.Info().Int("assets", len(wk.manifest)).Str("bucket", wk.staticBucket()).
		Msg("Installed static assets")
	return nil
}

// Activate establishes the current bucket generation: every bucket not
// in the current-generation set is deleted. Deletions are independent;
// one failure is logged and does not block the others. Activate only
// errors when enumeration itself fails.
func (wk *Worker) Activate(ctx context.Context) error {
	names, err := wk.buckets.Names()
	if err != nil {
		return err
	}
	current := make(map[string]bool, 3)
	for _, name := range wk.CurrentBuckets() {
		current[name] = true
	}
	for _, name := range names {
		if current[name] {
			continue
		}
		if err := wk.buckets.Delete(name); err != nil {
			wk.log.Error().Err(err).Str("bucket", name).Msg("Could not delete stale bucket")
			continue
		}
		wk.log.Debug().Str("bucket", name).Msg("Removed stale bucket")
	}
	return nil
}
