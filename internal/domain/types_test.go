package domain

import "testing"

func TestGroupOfMatchesLabelerGroup(t *testing.T) {
	for cat, indices := range LabelerGroup {
		if GroupOf(cat) < 0 {
			t.Errorf("GroupOf(%v) returned -1 for a category with labeler heads %v", cat, indices)
		}
	}
	if GroupOf(Unknown) != -1 {
		t.Errorf("GroupOf(Unknown) = %d, want -1", GroupOf(Unknown))
	}
}

func TestParseFruitCategoryRoundTrip(t *testing.T) {
	for _, c := range []FruitCategory{Apple, Pear, Lemon, Unknown} {
		if got := ParseFruitCategory(c.String()); got != c {
			t.Errorf("ParseFruitCategory(%q) = %v, want %v", c.String(), got, c)
		}
	}
}

func TestPriorityFactorOrdering(t *testing.T) {
	if PriorityCritical.Factor() <= PriorityHigh.Factor() {
		t.Error("CRITICAL factor must exceed HIGH factor")
	}
	if PriorityHigh.Factor() <= PriorityNormal.Factor() {
		t.Error("HIGH factor must exceed NORMAL factor")
	}
	if PriorityNormal.Factor() <= PriorityLow.Factor() {
		t.Error("NORMAL factor must exceed LOW factor")
	}
}

func TestPriorityOrderingByValue(t *testing.T) {
	if !(PriorityCritical < PriorityHigh && PriorityHigh < PriorityNormal && PriorityNormal < PriorityLow) {
		t.Error("priority values must increase as urgency decreases")
	}
}
