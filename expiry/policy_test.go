package expiry

import (
	"testing"
	"time"
)

func seedBackups(n int, base time.Time) []Backup {
	backups := make([]Backup, n)
	for i := 0; i < n; i++ {
		backups[i] = Backup{Number: i, StartTime: base.Add(time.Duration(i) * time.Hour)}
	}
	return backups
}

func TestLogarithmicKeepsOnePerGeneration(t *testing.T) {
	base := time.Now().Add(-1000 * time.Hour)
	backups := seedBackups(16, base)

	expired := Evaluate(Logarithmic(1, nil), time.Now(), backups)

	expiredSet := make(map[int]bool)
	for _, n := range expired {
		expiredSet[n] = true
	}
	// Verify the generation math directly against the spec's "lowest set
	// bit of the 1-based sequence number" rule for seq 1..16: the newest
	// backup of each generation survives, all others in that generation
	// expire.
	genNewestSeq := map[int]int{}
	for seq := 1; seq <= 16; seq++ {
		gen := trailingZeros(seq)
		if seq > genNewestSeq[gen] {
			genNewestSeq[gen] = seq
		}
	}
	for seq := 1; seq <= 16; seq++ {
		num := seq - 1
		gen := trailingZeros(seq)
		wantExpired := seq != genNewestSeq[gen]
		if expiredSet[num] != wantExpired {
			t.Fatalf("backup %d (seq %d, gen %d): expired=%v want %v", num, seq, gen, expiredSet[num], wantExpired)
		}
	}
}

func trailingZeros(seq int) int {
	n := 0
	for seq&1 == 0 {
		seq >>= 1
		n++
	}
	return n
}

func TestAgePolicy(t *testing.T) {
	now := time.Now()
	backups := []Backup{
		{Number: 1, StartTime: now.Add(-30 * 24 * time.Hour)},
		{Number: 2, StartTime: now.Add(-1 * time.Hour)},
	}
	expired := Evaluate(Age(7*24*time.Hour), now, backups)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected only backup 1 to be expired by age, got %v", expired)
	}
}

func TestStatusPolicy(t *testing.T) {
	now := time.Now()
	backups := []Backup{
		{Number: 1, Failed: true},
		{Number: 2, Failed: false},
	}
	expired := Evaluate(Status(StatusFailed), now, backups)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected only the failed backup expired, got %v", expired)
	}
}

func TestAndOrNot(t *testing.T) {
	now := time.Now()
	backups := []Backup{
		{Number: 1, StartTime: now.Add(-30 * 24 * time.Hour), Failed: true},
		{Number: 2, StartTime: now.Add(-30 * 24 * time.Hour), Failed: false},
		{Number: 3, StartTime: now.Add(-1 * time.Hour), Failed: true},
	}

	old := Age(7 * 24 * time.Hour)
	notDone := Not(Status(StatusDone))

	combined := Evaluate(And(old, notDone), now, backups)
	if len(combined) != 1 || combined[0] != 1 {
		t.Fatalf("expected And(old, notDone) = {1}, got %v", combined)
	}

	union := Evaluate(Or(old, notDone), now, backups)
	wantUnion := map[int]bool{1: true, 2: true, 3: true}
	if len(union) != len(wantUnion) {
		t.Fatalf("got %v want keys of %v", union, wantUnion)
	}
}

func TestDefaultPolicyDoesNotPanic(t *testing.T) {
	now := time.Now()
	backups := seedBackups(10, now.Add(-100*24*time.Hour))
	_ = Evaluate(DefaultPolicy(), now, backups)
}
