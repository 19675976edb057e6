// Package state is the durable keyed store for podcasts, episodes,
// episode details, settings, and cumulative stats: entity CRUD plus the
// retention sweep and the atomic time-saved counter, all on Redis (key
// builders, pipelines, HIncrByFloat).
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"podscrub/internal/config"
	"podscrub/internal/domain"
	"podscrub/internal/sponsor"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "podscrub"

// Store is the state store. All methods are safe for concurrent use;
// Redis's own command atomicity plus pipelined multi-key writes give a
// serialized-writer / concurrent-reader discipline.
type Store struct {
	client *redis.Client
}

// New connects to Redis using cfg's RedisHost/RedisPort.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to state store at %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client, letting tests inject a miniredis
// instance instead of dialing out.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error { return s.client.Close() }

// --- key builders ---

func podcastKey(slug string) string       { return fmt.Sprintf("%s:podcast:%s", keyPrefix, slug) }
func podcastIndexKey() string             { return fmt.Sprintf("%s:podcasts", keyPrefix) }
func episodeKey(slug, id string) string   { return fmt.Sprintf("%s:episode:%s:%s", keyPrefix, slug, id) }
func episodeIndexKey(slug string) string  { return fmt.Sprintf("%s:episodes:%s", keyPrefix, slug) }
func episodesByCreatedKey() string        { return fmt.Sprintf("%s:episodes:by_created", keyPrefix) }
func detailsKey(slug, id string) string   { return fmt.Sprintf("%s:details:%s:%s", keyPrefix, slug, id) }
func settingsKey() string                 { return fmt.Sprintf("%s:settings", keyPrefix) }
func statsKey() string                    { return fmt.Sprintf("%s:stats", keyPrefix) }
func correctionsKey(slug, id string) string {
	return fmt.Sprintf("%s:corrections:%s:%s", keyPrefix, slug, id)
}
func sponsorsKey() string        { return fmt.Sprintf("%s:sponsors", keyPrefix) }
func normalizationsKey() string  { return fmt.Sprintf("%s:normalizations", keyPrefix) }

func episodeMember(slug, id string) string { return slug + "\x00" + id }

// --- Podcast ---

func (s *Store) PutPodcast(ctx context.Context, p domain.Podcast) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal podcast %s: %w", p.Slug, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, podcastKey(p.Slug), blob, 0)
	pipe.SAdd(ctx, podcastIndexKey(), p.Slug)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetPodcast(ctx context.Context, slug string) (domain.Podcast, bool, error) {
	raw, err := s.client.Get(ctx, podcastKey(slug)).Result()
	if err == redis.Nil {
		return domain.Podcast{}, false, nil
	}
	if err != nil {
		return domain.Podcast{}, false, err
	}
	var p domain.Podcast
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Podcast{}, false, fmt.Errorf("unmarshal podcast %s: %w", slug, err)
	}
	return p, true, nil
}

func (s *Store) ListPodcasts(ctx context.Context) ([]domain.Podcast, error) {
	slugs, err := s.client.SMembers(ctx, podcastIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(slugs)

	podcasts := make([]domain.Podcast, 0, len(slugs))
	for _, slug := range slugs {
		p, ok, err := s.GetPodcast(ctx, slug)
		if err != nil {
			return nil, err
		}
		if ok {
			podcasts = append(podcasts, p)
		}
	}
	return podcasts, nil
}

// DeletePodcast cascades to every episode (and its details) owned by slug.
func (s *Store) DeletePodcast(ctx context.Context, slug string) error {
	ids, err := s.client.SMembers(ctx, episodeIndexKey(slug)).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.DeleteEpisode(ctx, slug, id); err != nil {
			return err
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, podcastKey(slug))
	pipe.SRem(ctx, podcastIndexKey(), slug)
	pipe.Del(ctx, episodeIndexKey(slug))
	_, err = pipe.Exec(ctx)
	return err
}

// --- Episode ---

func (s *Store) PutEpisode(ctx context.Context, e domain.Episode) error {
	e.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal episode %s/%s: %w", e.PodcastSlug, e.EpisodeID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, episodeKey(e.PodcastSlug, e.EpisodeID), blob, 0)
	pipe.SAdd(ctx, episodeIndexKey(e.PodcastSlug), e.EpisodeID)
	pipe.ZAdd(ctx, episodesByCreatedKey(), redis.Z{
		Score:  float64(e.CreatedAt.Unix()),
		Member: episodeMember(e.PodcastSlug, e.EpisodeID),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetEpisode(ctx context.Context, slug, id string) (domain.Episode, bool, error) {
	raw, err := s.client.Get(ctx, episodeKey(slug, id)).Result()
	if err == redis.Nil {
		return domain.Episode{}, false, nil
	}
	if err != nil {
		return domain.Episode{}, false, err
	}
	var e domain.Episode
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.Episode{}, false, fmt.Errorf("unmarshal episode %s/%s: %w", slug, id, err)
	}
	return e, true, nil
}

func (s *Store) ListEpisodes(ctx context.Context, slug string) ([]domain.Episode, error) {
	ids, err := s.client.SMembers(ctx, episodeIndexKey(slug)).Result()
	if err != nil {
		return nil, err
	}

	episodes := make([]domain.Episode, 0, len(ids))
	for _, id := range ids {
		e, ok, err := s.GetEpisode(ctx, slug, id)
		if err != nil {
			return nil, err
		}
		if ok {
			episodes = append(episodes, e)
		}
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].CreatedAt.Before(episodes[j].CreatedAt) })
	return episodes, nil
}

func (s *Store) DeleteEpisode(ctx context.Context, slug, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, episodeKey(slug, id))
	pipe.Del(ctx, detailsKey(slug, id))
	pipe.SRem(ctx, episodeIndexKey(slug), id)
	pipe.ZRem(ctx, episodesByCreatedKey(), episodeMember(slug, id))
	_, err := pipe.Exec(ctx)
	return err
}

// --- EpisodeDetails ---

func (s *Store) PutEpisodeDetails(ctx context.Context, slug, id string, d domain.EpisodeDetails) error {
	d.EpisodeFK = episodeMember(slug, id)
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal episode details %s/%s: %w", slug, id, err)
	}
	return s.client.Set(ctx, detailsKey(slug, id), blob, 0).Err()
}

func (s *Store) GetEpisodeDetails(ctx context.Context, slug, id string) (domain.EpisodeDetails, bool, error) {
	raw, err := s.client.Get(ctx, detailsKey(slug, id)).Result()
	if err == redis.Nil {
		return domain.EpisodeDetails{}, false, nil
	}
	if err != nil {
		return domain.EpisodeDetails{}, false, err
	}
	var d domain.EpisodeDetails
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return domain.EpisodeDetails{}, false, fmt.Errorf("unmarshal episode details %s/%s: %w", slug, id, err)
	}
	return d, true, nil
}

// ClearEpisodeDetails drops stored artifacts ahead of a reprocess.
func (s *Store) ClearEpisodeDetails(ctx context.Context, slug, id string) error {
	return s.client.Del(ctx, detailsKey(slug, id)).Err()
}

// --- Settings ---

// Setting is a stored value together with whether it is still the seeded
// default.
type Setting struct {
	Value     string `json:"value"`
	IsDefault bool   `json:"is_default"`
}

func (s *Store) GetSetting(ctx context.Context, key string) (Setting, bool, error) {
	raw, err := s.client.HGet(ctx, settingsKey(), key).Result()
	if err == redis.Nil {
		return Setting{}, false, nil
	}
	if err != nil {
		return Setting{}, false, err
	}
	var v Setting
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Setting{}, false, fmt.Errorf("unmarshal setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores an explicit (non-default) value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	blob, err := json.Marshal(Setting{Value: value, IsDefault: false})
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, settingsKey(), key, blob).Err()
}

func (s *Store) ListSettings(ctx context.Context) (map[string]Setting, error) {
	raw, err := s.client.HGetAll(ctx, settingsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Setting, len(raw))
	for k, v := range raw {
		var setting Setting
		if err := json.Unmarshal([]byte(v), &setting); err != nil {
			continue
		}
		out[k] = setting
	}
	return out, nil
}

// MigrateDefaults seeds any settings key absent from the store with its
// default value, flagged is_default=true. It is idempotent: an existing
// key, default or not, is left untouched.
func (s *Store) MigrateDefaults(ctx context.Context, defaults map[string]string) error {
	existing, err := s.client.HKeys(ctx, settingsKey()).Result()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, k := range existing {
		present[k] = true
	}

	pipe := s.client.TxPipeline()
	seeded := 0
	for key, value := range defaults {
		if present[key] {
			continue
		}
		blob, err := json.Marshal(Setting{Value: value, IsDefault: true})
		if err != nil {
			return err
		}
		pipe.HSet(ctx, settingsKey(), key, blob)
		seeded++
	}
	if seeded > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("seed default settings: %w", err)
		}
		slog.Info("seeded default settings", "count", seeded)
	}
	return nil
}

// --- CumulativeStats ---

const totalTimeSavedField = "total_time_saved"

// IncrementTotalTimeSaved atomically adds seconds (which may be negative
// for corrections) to the monotone cumulative counter. Uses Redis's atomic
// HINCRBYFLOAT so concurrent episode completions never race.
func (s *Store) IncrementTotalTimeSaved(ctx context.Context, seconds float64) error {
	return s.client.HIncrByFloat(ctx, statsKey(), totalTimeSavedField, seconds).Err()
}

func (s *Store) GetTotalTimeSaved(ctx context.Context) (float64, error) {
	raw, err := s.client.HGet(ctx, statsKey(), totalTimeSavedField).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

// --- Retention sweep ---

// SizeFn returns the byte size of a processed episode's artifact, used to
// report bytes_freed from CleanupOld. Storage backends vary in how cheaply
// this can be answered, so it's injected rather than assumed.
type SizeFn func(ctx context.Context, episode domain.Episode) (int64, error)

// CleanupOld deletes every episode (and cascading details) whose CreatedAt
// is older than retentionMinutes, returning the count removed and the
// total bytes freed as reported by sizeFn. sizeFn may be nil, in which case
// bytesFreed is always 0.
func (s *Store) CleanupOld(ctx context.Context, retentionMinutes int, sizeFn SizeFn) (count int, bytesFreed int64, err error) {
	cutoff := time.Now().Add(-time.Duration(retentionMinutes) * time.Minute)

	members, err := s.client.ZRangeByScore(ctx, episodesByCreatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, 0, err
	}

	for _, member := range members {
		slug, id, ok := splitEpisodeMember(member)
		if !ok {
			continue
		}

		episode, found, err := s.GetEpisode(ctx, slug, id)
		if err != nil {
			return count, bytesFreed, err
		}
		if !found {
			s.client.ZRem(ctx, episodesByCreatedKey(), member)
			continue
		}

		if sizeFn != nil {
			if n, err := sizeFn(ctx, episode); err == nil {
				bytesFreed += n
			} else {
				slog.Warn("cleanup: failed to size episode artifact", "slug", slug, "episode_id", id, "error", err)
			}
		}

		if err := s.DeleteEpisode(ctx, slug, id); err != nil {
			return count, bytesFreed, err
		}
		count++
	}

	return count, bytesFreed, nil
}

func splitEpisodeMember(member string) (slug, id string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == 0 {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// --- User corrections ---

// AddUserCorrection appends a user-submitted verdict on an ad span.
func (s *Store) AddUserCorrection(ctx context.Context, slug, id string, c domain.UserCorrection) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal correction %s/%s: %w", slug, id, err)
	}
	return s.client.RPush(ctx, correctionsKey(slug, id), blob).Err()
}

// ListUserCorrections returns every correction recorded for an episode, in
// submission order.
func (s *Store) ListUserCorrections(ctx context.Context, slug, id string) ([]domain.UserCorrection, error) {
	raw, err := s.client.LRange(ctx, correctionsKey(slug, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list corrections %s/%s: %w", slug, id, err)
	}
	out := make([]domain.UserCorrection, 0, len(raw))
	for _, v := range raw {
		var c domain.UserCorrection
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteConflictingCorrections reconciles correction history: recording a
// new correction for (start, end) deletes any prior
// correction of the opposite polarity ("confirmed" vs "false_positive")
// overlapping it by at least 50% of the shorter span. "adjust" never
// conflicts with anything and is always inert. Returns the count removed.
func (s *Store) DeleteConflictingCorrections(ctx context.Context, slug, id string, action domain.CorrectionAction, start, end float64) (int, error) {
	if action == domain.CorrectionAdjust {
		return 0, nil
	}
	opposite := domain.CorrectionConfirmed
	if action == domain.CorrectionConfirmed {
		opposite = domain.CorrectionFalsePositive
	}

	existing, err := s.ListUserCorrections(ctx, slug, id)
	if err != nil {
		return 0, err
	}

	var kept []domain.UserCorrection
	removed := 0
	for _, c := range existing {
		if c.Action == opposite && overlapsAtLeastHalf(start, end, c.Start, c.End) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if removed == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, correctionsKey(slug, id))
	for _, c := range kept {
		blob, err := json.Marshal(c)
		if err != nil {
			return 0, fmt.Errorf("marshal correction %s/%s: %w", slug, id, err)
		}
		pipe.RPush(ctx, correctionsKey(slug, id), blob)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rewrite corrections %s/%s: %w", slug, id, err)
	}
	return removed, nil
}

func overlapsAtLeastHalf(aStart, aEnd, bStart, bEnd float64) bool {
	overlapStart := aStart
	if bStart > overlapStart {
		overlapStart = bStart
	}
	overlapEnd := aEnd
	if bEnd < overlapEnd {
		overlapEnd = bEnd
	}
	if overlapEnd <= overlapStart {
		return false
	}
	shorter := aEnd - aStart
	if bEnd-bStart < shorter {
		shorter = bEnd - bStart
	}
	if shorter <= 0 {
		return false
	}
	return (overlapEnd-overlapStart)/shorter >= 0.5
}

// --- sponsor.Store ---
//
// The sponsor registry's Store interface takes no context; these methods
// use context.Background() internally, the same way startup-time settings
// seeding is treated as unconditional.

type sponsorRecord struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Category string   `json:"category"`
	Active   bool     `json:"active"`
}

type normalizationRecord struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Category    string `json:"category"`
	Active      bool   `json:"active"`
}

// ListKnownSponsors implements sponsor.Store.
func (s *Store) ListKnownSponsors(activeOnly bool) ([]sponsor.Sponsor, error) {
	ctx := context.Background()
	raw, err := s.client.HGetAll(ctx, sponsorsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]sponsor.Sponsor, 0, len(raw))
	for _, v := range raw {
		var r sponsorRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, sponsor.Sponsor{ID: r.ID, Name: r.Name, Aliases: r.Aliases, Category: r.Category, Active: r.Active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSponsorNormalizations implements sponsor.Store.
func (s *Store) ListSponsorNormalizations(activeOnly bool) ([]sponsor.Normalization, error) {
	ctx := context.Background()
	raw, err := s.client.HGetAll(ctx, normalizationsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]sponsor.Normalization, 0, len(raw))
	for _, v := range raw {
		var r normalizationRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, sponsor.Normalization{ID: r.ID, Pattern: r.Pattern, Replacement: r.Replacement, Category: r.Category, Active: r.Active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateKnownSponsor implements sponsor.Store, assigning the next sequence
// ID from an atomic Redis counter.
func (s *Store) CreateKnownSponsor(sp sponsor.Sponsor) (int64, error) {
	ctx := context.Background()
	id, err := s.client.HIncrBy(ctx, statsKey(), "sponsor_seq", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate sponsor id: %w", err)
	}
	record := sponsorRecord{ID: id, Name: sp.Name, Aliases: sp.Aliases, Category: sp.Category, Active: true}
	blob, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal sponsor %s: %w", sp.Name, err)
	}
	if err := s.client.HSet(ctx, sponsorsKey(), strconv.FormatInt(id, 10), blob).Err(); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateSponsorNormalization implements sponsor.Store.
func (s *Store) CreateSponsorNormalization(n sponsor.Normalization) (int64, error) {
	ctx := context.Background()
	id, err := s.client.HIncrBy(ctx, statsKey(), "normalization_seq", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate normalization id: %w", err)
	}
	record := normalizationRecord{ID: id, Pattern: n.Pattern, Replacement: n.Replacement, Category: n.Category, Active: true}
	blob, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal normalization %s: %w", n.Pattern, err)
	}
	if err := s.client.HSet(ctx, normalizationsKey(), strconv.FormatInt(id, 10), blob).Err(); err != nil {
		return 0, err
	}
	return id, nil
}
