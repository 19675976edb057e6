package sponsor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	sponsors []Sponsor
	norms    []Normalization
	nextID   int64
}

func (f *fakeStore) ListKnownSponsors(activeOnly bool) ([]Sponsor, error) {
	return f.sponsors, nil
}

func (f *fakeStore) ListSponsorNormalizations(activeOnly bool) ([]Normalization, error) {
	return f.norms, nil
}

func (f *fakeStore) CreateKnownSponsor(s Sponsor) (int64, error) {
	f.nextID++
	s.ID = f.nextID
	f.sponsors = append(f.sponsors, s)
	return s.ID, nil
}

func (f *fakeStore) CreateSponsorNormalization(n Normalization) (int64, error) {
	f.nextID++
	n.ID = f.nextID
	f.norms = append(f.norms, n)
	return n.ID, nil
}

func TestSeedInitialData_Idempotent(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)

	require.NoError(t, reg.SeedInitialData())
	assert.Equal(t, len(SeedSponsors), len(store.sponsors))

	// Second call must be a no-op since sponsors already exist.
	require.NoError(t, reg.SeedInitialData())
	assert.Equal(t, len(SeedSponsors), len(store.sponsors))
}

func TestFindSponsorInText(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)
	require.NoError(t, reg.SeedInitialData())

	assert.Equal(t, "BetterHelp", reg.FindSponsorInText("go to betterhelp.com/podcast for 10% off"))
	assert.Equal(t, "", reg.FindSponsorInText("just a regular conversation about hiking"))
}

func TestNormalizeText(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)
	require.NoError(t, reg.SeedInitialData())

	got := reg.NormalizeText("check out ag one dot com for fifty percent off")
	assert.Contains(t, got, "ag1")
	assert.Contains(t, got, ".com")
	assert.Contains(t, got, "50%")
}

func TestCacheRefresh_RespectsTTL(t *testing.T) {
	store := &fakeStore{}
	reg := New(store)
	now := time.Now()
	reg.now = func() time.Time { return now }

	require.NoError(t, reg.SeedInitialData())
	_, err := reg.Sponsors()
	require.NoError(t, err)

	// Mutate the store directly without invalidating the cache.
	store.sponsors = append(store.sponsors, Sponsor{Name: "Injected", Active: true})
	got, err := reg.Sponsors()
	require.NoError(t, err)
	assert.NotContains(t, namesOf(got), "Injected")

	// Advance past the TTL: the cache must refresh.
	now = now.Add(6 * time.Minute)
	got, err = reg.Sponsors()
	require.NoError(t, err)
	assert.Contains(t, namesOf(got), "Injected")
}

func namesOf(sponsors []Sponsor) []string {
	names := make([]string, len(sponsors))
	for i, s := range sponsors {
		names[i] = s.Name
	}
	return names
}
