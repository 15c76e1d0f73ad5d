package trace

import "testing"

func TestDefaultEnricherTagsSyscall(t *testing.T) {
	e := NewEvent(0x400010, "instr", "", "")
	DefaultEnricher(e, "syscall")
	if e.PrimaryTag() != "#syscall" {
		t.Errorf("PrimaryTag() = %q, want #syscall", e.PrimaryTag())
	}
}

func TestDefaultEnricherTagsConditionalJump(t *testing.T) {
	e := NewEvent(0x400010, "instr", "", "")
	DefaultEnricher(e, "jne 0x400020")
	if !e.Tags.Has(CondJmp) {
		t.Errorf("tags = %+v, want cond-jmp", e.Tags)
	}
}

func TestDefaultEnricherTagsUnconditionalJump(t *testing.T) {
	e := NewEvent(0x400010, "instr", "", "")
	DefaultEnricher(e, "jmp 0x400020")
	if !e.Tags.Has(Jmp) {
		t.Errorf("tags = %+v, want jmp", e.Tags)
	}
}

func TestIsBlockEndRet(t *testing.T) {
	if !IsBlockEnd("ret") {
		t.Error("ret should end a block")
	}
}

func TestIsBlockEndConditionalJump(t *testing.T) {
	if !IsBlockEnd("jge 0x400030") {
		t.Error("jge should end a block")
	}
}

func TestIsBlockEndFalseForOrdinaryInstruction(t *testing.T) {
	if IsBlockEnd("mov eax, ebx") {
		t.Error("mov should not end a block")
	}
}

func TestTagsAddIsIdempotent(t *testing.T) {
	var tags Tags
	tags.Add(Call)
	tags.Add(Call)
	if len(tags) != 1 {
		t.Errorf("len(tags) = %d, want 1", len(tags))
	}
}

func TestAnnotationsRoundTrip(t *testing.T) {
	a := make(Annotations)
	a.Set("fd", "0")
	if !a.Has("fd") || a.Get("fd") != "0" {
		t.Errorf("annotations = %+v", a)
	}
}
