package rules

import (
	"testing"

	"github.com/knirvcorp/relaymesh/go/internal/ids"
)

func TestDefaultAllowsEverything(t *testing.T) {
	e := New()
	ctx := Context{DocID: ids.DocId("d1")}
	if !e.CanReveal(ctx) || !e.CanAccept(ctx) || !e.CanCreate(ctx) || !e.CanDelete(ctx) {
		t.Fatal("engine with no rules should allow everything")
	}
}

func TestCanRevealFalseBlocksSpecificDoc(t *testing.T) {
	e := New()
	e.Use(OpReveal, func(ctx Context) bool { return ctx.DocID != "secret" })

	if e.CanReveal(Context{DocID: "secret"}) {
		t.Fatal("expected secret doc to be blocked")
	}
	if !e.CanReveal(Context{DocID: "public"}) {
		t.Fatal("expected public doc to be allowed")
	}
}

func TestMultiplePredicatesAllAndTogether(t *testing.T) {
	e := New()
	e.Use(OpAccept, func(ctx Context) bool { return ctx.HasRemote })
	e.Use(OpAccept, func(ctx Context) bool { return ctx.RemoteIdentity.Name == "trusted" })

	allowed := Context{HasRemote: true}
	allowed.RemoteIdentity.Name = "trusted"
	if !e.CanAccept(allowed) {
		t.Fatal("expected trusted remote to be accepted")
	}

	denied := Context{HasRemote: true}
	denied.RemoteIdentity.Name = "stranger"
	if e.CanAccept(denied) {
		t.Fatal("expected untrusted remote to be denied")
	}
}

func TestOperationFieldIsStampedByEngine(t *testing.T) {
	e := New()
	var seen Operation
	e.Use(OpDelete, func(ctx Context) bool {
		seen = ctx.Operation
		return true
	})
	e.CanDelete(Context{DocID: "d1"})
	if seen != OpDelete {
		t.Fatalf("expected predicate to observe OpDelete, got %v", seen)
	}
}
