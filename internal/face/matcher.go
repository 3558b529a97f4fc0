package face

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
)

var (
	// ErrNoMatch means no enrolled descriptor cleared the acceptance threshold.
	ErrNoMatch = errors.New("no enrolled descriptor within threshold")
	// ErrAmbiguous means two different users are equally plausible. The
	// matcher never guesses between them.
	ErrAmbiguous = errors.New("ambiguous match between distinct users")
)

// searchK bounds the candidate set re-checked with exact distances. Two
// would satisfy the tie-break rule; a few extra absorb ANN inaccuracy.
const searchK = 8

// Enrollment binds a stored descriptor to its owning user.
type Enrollment struct {
	DescriptorID uuid.UUID
	UserID       uuid.UUID
	Vector       Descriptor
}

// MatchResult identifies the accepted user and the winning descriptor.
type MatchResult struct {
	UserID       uuid.UUID
	DescriptorID uuid.UUID
	Distance     float64
}

// Matcher resolves query descriptors to users. Candidate lookup goes through
// an HNSW graph; distances for the accept/ambiguity decision are recomputed
// exactly, because the rule needs the true nearest two, not ANN estimates.
// All methods are safe for concurrent use; Match takes only a read lock.
type Matcher struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[string]
	owners map[string]uuid.UUID // descriptor id -> user id; absent means removed

	graphDist hnsw.DistanceFunc
	exactDist func(a, b []float32) float64
	threshold float64
	epsilon   float64
}

// NewMatcher builds an empty matcher for the given metric ("cosine" or
// "euclidean"), acceptance threshold and ambiguity epsilon.
func NewMatcher(metric string, threshold, epsilon float64) (*Matcher, error) {
	m := &Matcher{
		owners:    make(map[string]uuid.UUID),
		threshold: threshold,
		epsilon:   epsilon,
	}
	switch metric {
	case "cosine":
		m.graphDist = hnsw.CosineDistance
		m.exactDist = CosineDistance
	case "euclidean":
		m.graphDist = hnsw.EuclideanDistance
		m.exactDist = EuclideanDistance
	default:
		return nil, fmt.Errorf("unknown match metric %q", metric)
	}
	m.graph = m.newGraph()
	return m, nil
}

func (m *Matcher) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = 16
	g.Ml = 1.0 / 16.0
	g.Distance = m.graphDist
	return g
}

// Rebuild replaces the whole enrolled set atomically. Concurrent Match calls
// observe either the old or the new set, never a partial one.
func (m *Matcher) Rebuild(enrollments []Enrollment) {
	g := m.newGraph()
	owners := make(map[string]uuid.UUID, len(enrollments))
	for _, e := range enrollments {
		key := e.DescriptorID.String()
		g.Add(hnsw.MakeNode(key, e.Vector))
		owners[key] = e.UserID
	}

	m.mu.Lock()
	m.graph = g
	m.owners = owners
	m.mu.Unlock()
}

// Enroll inserts one descriptor. The insert is atomic: a concurrent Match
// sees the descriptor fully or not at all.
func (m *Matcher) Enroll(e Enrollment) {
	key := e.DescriptorID.String()
	m.mu.Lock()
	m.graph.Add(hnsw.MakeNode(key, e.Vector))
	m.owners[key] = e.UserID
	m.mu.Unlock()
}

// Remove withdraws a descriptor from matching. The HNSW graph keeps the
// node (it has no true deletion); the owners map filters it out of results.
func (m *Matcher) Remove(descriptorID uuid.UUID) {
	m.mu.Lock()
	delete(m.owners, descriptorID.String())
	m.mu.Unlock()
}

// Count reports the number of live enrollments.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owners)
}

type candidate struct {
	key      string
	userID   uuid.UUID
	distance float64
}

// Match resolves a query descriptor to its owning user, or fails with
// ErrNoMatch / ErrAmbiguous. Pure read over the current enrolled set.
func (m *Matcher) Match(query Descriptor) (MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.owners) == 0 {
		return MatchResult{}, ErrNoMatch
	}

	neighbors := m.graph.Search(query, searchK)

	candidates := make([]candidate, 0, len(neighbors))
	for _, n := range neighbors {
		userID, ok := m.owners[n.Key]
		if !ok {
			continue // removed descriptor still present in the graph
		}
		dist := m.exactDist(query, n.Value)
		if dist >= m.threshold {
			continue
		}
		candidates = append(candidates, candidate{key: n.Key, userID: userID, distance: dist})
	}

	if len(candidates) == 0 {
		return MatchResult{}, ErrNoMatch
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.userID == best.userID {
			continue // extra angles of the same person never make a tie
		}
		if c.distance-best.distance <= m.epsilon {
			return MatchResult{}, ErrAmbiguous
		}
		break // sorted, so farther candidates cannot tie either
	}

	descriptorID, err := uuid.Parse(best.key)
	if err != nil {
		return MatchResult{}, fmt.Errorf("corrupt descriptor key: %w", err)
	}
	return MatchResult{UserID: best.userID, DescriptorID: descriptorID, Distance: best.distance}, nil
}

// CosineDistance computes 1 - cosine similarity in [0, 2].
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

// EuclideanDistance computes the L2 distance.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
