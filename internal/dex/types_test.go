package dex

import (
	"errors"
	"testing"
)

func TestParseMarket(t *testing.T) {
	m, err := ParseMarket("EUR : BTS", DefaultSeparator)
	if err != nil {
		t.Fatalf("parse market: %v", err)
	}
	if m.Quote != "EUR" || m.Base != "BTS" {
		t.Fatalf("unexpected market: %#v", m)
	}
	if m.Format(DefaultSeparator) != "EUR : BTS" {
		t.Fatalf("expected round trip format, got %q", m.Format(DefaultSeparator))
	}
}

func TestParseMarketToleratesCompactSeparator(t *testing.T) {
	m, err := ParseMarket("SILVER:BTS", " : ")
	if err != nil {
		t.Fatalf("parse market: %v", err)
	}
	if m.Quote != "SILVER" || m.Base != "BTS" {
		t.Fatalf("unexpected market: %#v", m)
	}
}

func TestParseMarketRejectsInvalid(t *testing.T) {
	cases := []string{"EUR", "EUR : ", " : BTS", "BTS : BTS", ""}
	for _, raw := range cases {
		if _, err := ParseMarket(raw, DefaultSeparator); !errors.Is(err, ErrInvalidMarket) {
			t.Fatalf("expected invalid market for %q, got %v", raw, err)
		}
	}
}

func TestOrderIDsFromOrders(t *testing.T) {
	eur := Market{Quote: "EUR", Base: "BTS"}
	orders := map[Market][]OpenOrder{
		eur: {{ID: "1.7.1"}, {ID: "1.7.2"}, {ID: ""}},
	}
	ids := OrderIDsFromOrders(orders)
	if len(ids[eur]) != 2 || !ids[eur].Has("1.7.1") || !ids[eur].Has("1.7.2") {
		t.Fatalf("unexpected ids: %v", ids[eur])
	}
}
