package ironplcvm

import (
	"bytes"
	"testing"
)

func testHeaderForStrings() Header {
	return Header{
		MaxStrLength:     10,
		TotalStrVarBytes: 2 * 11, // two STRING variables
		NumTempStrBufs:   2,
		MaxWStrLength:    5,
		TotalWStrVarBytes: 1 * 12, // one WSTRING variable
		NumTempWStrBufs:  1,
	}
}

func TestStringBuffersVariableSetAndRead(t *testing.T) {
	b := NewStringBuffers(testHeaderForStrings())
	if !b.StrSet(0, []byte("hello")) {
		t.Fatal("set should succeed")
	}
	got, ok := b.StrBytes(0)
	if !ok || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	n, _ := b.StrLen(0)
	if n != 5 {
		t.Errorf("length: got %d, want 5", n)
	}
}

func TestStringBuffersTruncatesAtCapacity(t *testing.T) {
	b := NewStringBuffers(testHeaderForStrings())
	cap0, _ := b.StrCapacity(0)
	over := bytes.Repeat([]byte("x"), cap0+5)
	b.StrSet(0, over)
	n, _ := b.StrLen(0)
	if n != cap0 {
		t.Errorf("expected truncation to capacity %d, got %d", cap0, n)
	}
}

func TestStringBuffersTempAcquireRelease(t *testing.T) {
	b := NewStringBuffers(testHeaderForStrings())
	mark := b.StrTempWatermark()

	idx1, ok1 := b.AcquireStrTemp()
	idx2, ok2 := b.AcquireStrTemp()
	if !ok1 || !ok2 || idx1 == idx2 {
		t.Fatalf("expected two distinct temp buffers, got %d,%d ok=%v,%v", idx1, idx2, ok1, ok2)
	}

	// Pool only had 2 temp buffers configured; a third acquire should fail.
	if _, ok := b.AcquireStrTemp(); ok {
		t.Error("acquiring past pool capacity should fail")
	}

	b.ReleaseStrTempTo(mark)
	if _, ok := b.AcquireStrTemp(); !ok {
		t.Error("acquire after release to watermark should succeed")
	}
}

func TestStringBuffersSeparateIndexSpaces(t *testing.T) {
	b := NewStringBuffers(testHeaderForStrings())
	b.StrSet(0, []byte("str"))
	b.WStrSet(0, []byte("ws"))

	strGot, _ := b.StrBytes(0)
	wstrGot, _ := b.WStrBytes(0)
	if string(strGot) != "str" || string(wstrGot) != "ws" {
		t.Fatalf("STRING and WSTRING buf_idx 0 should be independent: str=%q wstr=%q", strGot, wstrGot)
	}
}
