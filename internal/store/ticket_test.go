package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/gatherchat/internal/models"
)

func ticket(id, owner string, day int) models.Ticket {
	return models.Ticket{
		ID:              id,
		EventID:         "e1",
		OwnerID:         owner,
		ValidationToken: "secret-" + id,
		PurchaseDate:    time.Date(2026, 6, day, 0, 0, 0, 0, time.UTC),
		Price:           4500,
	}
}

func TestPutTicket_DefaultsAndUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.PutTicket(ctx, ticket("t1", "u1", 1)); err != nil {
		t.Fatalf("PutTicket: %v", err)
	}
	got, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != models.TicketValid {
		t.Errorf("Status = %q, want VALID", got.Status)
	}

	upd := ticket("t1", "u1", 1)
	upd.Seat = "B12"
	if err := s.PutTicket(ctx, upd); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTicket(ctx, "t1")
	if got.Seat != "B12" {
		t.Errorf("Seat = %q, want B12", got.Seat)
	}
}

func TestPutTicket_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.PutTicket(ctx, models.Ticket{}); err == nil {
		t.Error("expected error for missing id")
	}
	bad := ticket("t1", "u1", 1)
	bad.Status = "LOST"
	if err := s.PutTicket(ctx, bad); err == nil || !strings.Contains(err.Error(), "invalid status") {
		t.Errorf("err = %v, want invalid status", err)
	}
}

func TestListTickets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.PutTicket(ctx, ticket("t2", "u1", 5))
	s.PutTicket(ctx, ticket("t1", "u1", 2))
	s.PutTicket(ctx, ticket("t3", "u2", 1))

	mine, err := s.ListTickets(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].ID != "t1" || mine[1].ID != "t2" {
		t.Errorf("ListTickets(u1) = %+v", mine)
	}
	all, _ := s.ListTickets(ctx, "")
	if len(all) != 3 {
		t.Errorf("ListTickets() len = %d, want 3", len(all))
	}
}

func TestMarkTicketUsedLocal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.PutTicket(ctx, ticket("t1", "u1", 1))

	if err := s.MarkTicketUsedLocal(ctx, "t1"); err != nil {
		t.Fatalf("MarkTicketUsedLocal: %v", err)
	}
	got, _ := s.GetTicket(ctx, "t1")
	if got.Status != models.TicketUsedLocal {
		t.Errorf("Status = %q, want USED_LOCAL", got.Status)
	}

	if err := s.MarkTicketUsedLocal(ctx, "t1"); err == nil {
		t.Error("expected error marking an already used ticket")
	}
	if err := s.MarkTicketUsedLocal(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
