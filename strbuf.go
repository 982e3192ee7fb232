// strbuf.go - STRING/WSTRING variable buffers and the bump-allocated temp pool
//
// License: GPLv3 or later

package ironplcvm

// STRING and WSTRING occupy entirely separate buf_idx spaces; the opcode
// used (STR_* vs WSTR_*) picks which pool a buf_idx is resolved against,
// never the index value itself (spec §4.7).
//
// Within one pool, buf_idx < number-of-variable-buffers addresses a
// permanent, per-variable buffer; buf_idx >= that addresses the
// bump-allocated temp region. The type section's per-variable declared
// lengths are not needed to run the VM (see DESIGN.md): every buffer in a
// pool is sized uniformly from the header's program-wide max declared
// length, which is always >= any individual variable's declared length.
type stringPool struct {
	data       []byte
	bufSize    int // bytes per buffer, including the length prefix
	prefixLen  int // 1 for STRING, 2 for WSTRING
	numVarBufs int
	numTemp    int
	watermark  int
}

func newStringPool(numVarBufs, numTemp, maxDeclaredLen, prefixLen int) stringPool {
	bufSize := maxDeclaredLen*prefixLenUnit(prefixLen) + prefixLen
	total := numVarBufs + numTemp
	return stringPool{
		data:       make([]byte, total*bufSize),
		bufSize:    bufSize,
		prefixLen:  prefixLen,
		numVarBufs: numVarBufs,
		numTemp:    numTemp,
	}
}

// prefixLenUnit returns the per-character byte width: 1 for STRING, 2 for
// WSTRING, matching the declared_length*2+2 vs declared_length+1 sizing
// rule in spec §4.7.
func prefixLenUnit(prefixLen int) int {
	if prefixLen == 2 {
		return 2
	}
	return 1
}

func (p *stringPool) bufRange(bufIdx uint16) (int, int, bool) {
	idx := int(bufIdx)
	if idx < 0 || idx >= p.numVarBufs+p.numTemp {
		return 0, 0, false
	}
	start := idx * p.bufSize
	return start, start + p.bufSize, true
}

func (p *stringPool) length(bufIdx uint16) (int, bool) {
	start, _, ok := p.bufRange(bufIdx)
	if !ok {
		return 0, false
	}
	if p.prefixLen == 1 {
		return int(p.data[start]), true
	}
	return int(p.data[start]) | int(p.data[start+1])<<8, true
}

func (p *stringPool) bytes(bufIdx uint16) ([]byte, bool) {
	start, _, ok := p.bufRange(bufIdx)
	if !ok {
		return nil, false
	}
	n, _ := p.length(bufIdx)
	return p.data[start+p.prefixLen : start+p.prefixLen+n], true
}

func (p *stringPool) capacity(bufIdx uint16) (int, bool) {
	_, _, ok := p.bufRange(bufIdx)
	if !ok {
		return 0, false
	}
	return p.bufSize - p.prefixLen, true
}

func (p *stringPool) set(bufIdx uint16, content []byte) bool {
	start, end, ok := p.bufRange(bufIdx)
	if !ok {
		return false
	}
	maxLen := end - start - p.prefixLen
	n := len(content)
	if n > maxLen {
		n = maxLen
	}
	if p.prefixLen == 1 {
		p.data[start] = byte(n)
	} else {
		p.data[start] = byte(n)
		p.data[start+1] = byte(n >> 8)
	}
	copy(p.data[start+p.prefixLen:start+p.prefixLen+n], content[:n])
	return true
}

func (p *stringPool) acquireTemp() (uint16, bool) {
	if p.watermark >= p.numTemp {
		return 0, false
	}
	idx := p.numVarBufs + p.watermark
	p.watermark++
	return uint16(idx), true
}

func (p *stringPool) watermarkValue() uint16 { return uint16(p.watermark) }

func (p *stringPool) releaseTo(mark uint16) { p.watermark = int(mark) }

func (p *stringPool) reset() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.watermark = 0
}

// StringBuffers owns the four string pools (STRING variable+temp, WSTRING
// variable+temp) described in spec §4.7.
type StringBuffers struct {
	str  stringPool
	wstr stringPool
}

// NewStringBuffers sizes all four pools from header fields, per the
// uniform-sizing decision documented above stringPool.
func NewStringBuffers(h Header) *StringBuffers {
	numStrVars := 0
	if h.MaxStrLength > 0 {
		numStrVars = int(h.TotalStrVarBytes) / (int(h.MaxStrLength) + 1)
	}
	numWStrVars := 0
	if h.MaxWStrLength > 0 {
		numWStrVars = int(h.TotalWStrVarBytes) / (int(h.MaxWStrLength)*2 + 2)
	}
	return &StringBuffers{
		str:  newStringPool(numStrVars, int(h.NumTempStrBufs), int(h.MaxStrLength), 1),
		wstr: newStringPool(numWStrVars, int(h.NumTempWStrBufs), int(h.MaxWStrLength), 2),
	}
}

func (b *StringBuffers) StrLen(bufIdx uint16) (int, bool)      { return b.str.length(bufIdx) }
func (b *StringBuffers) StrBytes(bufIdx uint16) ([]byte, bool) { return b.str.bytes(bufIdx) }
func (b *StringBuffers) StrCapacity(bufIdx uint16) (int, bool) { return b.str.capacity(bufIdx) }
func (b *StringBuffers) StrSet(bufIdx uint16, v []byte) bool   { return b.str.set(bufIdx, v) }
func (b *StringBuffers) AcquireStrTemp() (uint16, bool)        { return b.str.acquireTemp() }
func (b *StringBuffers) StrTempWatermark() uint16              { return b.str.watermarkValue() }
func (b *StringBuffers) ReleaseStrTempTo(mark uint16)          { b.str.releaseTo(mark) }

func (b *StringBuffers) WStrLen(bufIdx uint16) (int, bool)      { return b.wstr.length(bufIdx) }
func (b *StringBuffers) WStrBytes(bufIdx uint16) ([]byte, bool) { return b.wstr.bytes(bufIdx) }
func (b *StringBuffers) WStrCapacity(bufIdx uint16) (int, bool) { return b.wstr.capacity(bufIdx) }
func (b *StringBuffers) WStrSet(bufIdx uint16, v []byte) bool   { return b.wstr.set(bufIdx, v) }
func (b *StringBuffers) AcquireWStrTemp() (uint16, bool)        { return b.wstr.acquireTemp() }
func (b *StringBuffers) WStrTempWatermark() uint16              { return b.wstr.watermarkValue() }
func (b *StringBuffers) ReleaseWStrTempTo(mark uint16)          { b.wstr.releaseTo(mark) }

// Reset zero-fills both pools and resets both watermarks, used on restart
// from FAULTED.
func (b *StringBuffers) Reset() {
	b.str.reset()
	b.wstr.reset()
}
