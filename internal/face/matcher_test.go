package face

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func vector(fill func(i int) float32) Descriptor {
	v := make(Descriptor, DescriptorDim)
	for i := range v {
		v[i] = fill(i)
	}
	return v
}

func basisVector(axis int) Descriptor {
	return vector(func(i int) float32 {
		if i == axis {
			return 1
		}
		return 0
	})
}

func TestNewDescriptorLength(t *testing.T) {
	if _, err := NewDescriptor(make([]float32, DescriptorDim)); err != nil {
		t.Fatalf("valid vector rejected: %v", err)
	}
	if _, err := NewDescriptor(make([]float32, 127)); !errors.Is(err, ErrBadDimension) {
		t.Fatalf("expected ErrBadDimension, got %v", err)
	}
	if _, err := NewDescriptorFromFloat64(make([]float64, 129)); !errors.Is(err, ErrBadDimension) {
		t.Fatalf("expected ErrBadDimension, got %v", err)
	}
}

func TestMatchStoredVectorIsExact(t *testing.T) {
	m, err := NewMatcher("cosine", 0.35, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	owner := uuid.New()
	descriptor := uuid.New()
	v := vector(func(i int) float32 { return float32(i%7) + 1 })
	m.Enroll(Enrollment{DescriptorID: descriptor, UserID: owner, Vector: v})

	res, err := m.Match(v)
	if err != nil {
		t.Fatalf("self match failed: %v", err)
	}
	if res.UserID != owner {
		t.Fatalf("matched wrong user: %s", res.UserID)
	}
	if res.DescriptorID != descriptor {
		t.Fatalf("matched wrong descriptor: %s", res.DescriptorID)
	}
	if res.Distance > 1e-6 {
		t.Fatalf("self distance should be zero, got %f", res.Distance)
	}
}

func TestMatchNoEnrollments(t *testing.T) {
	m, err := NewMatcher("euclidean", 0.5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Match(basisVector(0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatchOutsideThreshold(t *testing.T) {
	m, err := NewMatcher("euclidean", 0.1, 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: uuid.New(), Vector: basisVector(0)})

	// Distance between orthogonal unit vectors is sqrt(2), far over 0.1.
	if _, err := m.Match(basisVector(1)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatchAtThresholdIsRejected(t *testing.T) {
	m, err := NewMatcher("euclidean", 1.0, 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: uuid.New(), Vector: basisVector(0)})

	// Acceptance is strictly below threshold. A point at exactly 1.0
	// away must not match.
	boundary := vector(func(i int) float32 {
		if i == 0 {
			return 2
		}
		return 0
	})
	if _, err := m.Match(boundary); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch at distance == threshold, got %v", err)
	}

	inside := vector(func(i int) float32 {
		if i == 0 {
			return 1.5
		}
		return 0
	})
	if _, err := m.Match(inside); err != nil {
		t.Fatalf("distance below threshold should match: %v", err)
	}
}

func TestMatchAmbiguousBetweenUsers(t *testing.T) {
	m, err := NewMatcher("euclidean", 2.0, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	// Two users enrolled with identical vectors: any query equidistant.
	shared := basisVector(3)
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: uuid.New(), Vector: shared})
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: uuid.New(), Vector: shared})

	if _, err := m.Match(shared); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestMatchSameUserTwiceIsNotAmbiguous(t *testing.T) {
	m, err := NewMatcher("euclidean", 2.0, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	owner := uuid.New()
	shared := basisVector(5)
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: owner, Vector: shared})
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: owner, Vector: shared})

	res, err := m.Match(shared)
	if err != nil {
		t.Fatalf("two angles of one user must match: %v", err)
	}
	if res.UserID != owner {
		t.Fatalf("matched wrong user: %s", res.UserID)
	}
}

func TestMatchPicksNearestUser(t *testing.T) {
	m, err := NewMatcher("euclidean", 2.0, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	near := uuid.New()
	far := uuid.New()
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: near, Vector: basisVector(0)})
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: far, Vector: basisVector(1)})

	query := vector(func(i int) float32 {
		if i == 0 {
			return 0.9
		}
		if i == 1 {
			return 0.1
		}
		return 0
	})

	res, err := m.Match(query)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if res.UserID != near {
		t.Fatalf("expected nearest user, got %s", res.UserID)
	}
}

func TestRemoveExcludesDescriptor(t *testing.T) {
	m, err := NewMatcher("euclidean", 0.5, 0)
	if err != nil {
		t.Fatal(err)
	}

	descriptor := uuid.New()
	v := basisVector(2)
	m.Enroll(Enrollment{DescriptorID: descriptor, UserID: uuid.New(), Vector: v})
	m.Remove(descriptor)

	if _, err := m.Match(v); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("removed descriptor still matches: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("expected empty matcher, got %d", m.Count())
	}
}

func TestRebuildReplacesSet(t *testing.T) {
	m, err := NewMatcher("cosine", 0.35, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	old := basisVector(0)
	m.Enroll(Enrollment{DescriptorID: uuid.New(), UserID: uuid.New(), Vector: old})

	owner := uuid.New()
	fresh := basisVector(1)
	m.Rebuild([]Enrollment{{DescriptorID: uuid.New(), UserID: owner, Vector: fresh}})

	if _, err := m.Match(old); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("stale enrollment survived rebuild: %v", err)
	}
	res, err := m.Match(fresh)
	if err != nil || res.UserID != owner {
		t.Fatalf("rebuilt enrollment not matching: %v", err)
	}
}

func TestMetricValidation(t *testing.T) {
	if _, err := NewMatcher("manhattan", 0.5, 0); err == nil {
		t.Fatal("unknown metric accepted")
	}
}
