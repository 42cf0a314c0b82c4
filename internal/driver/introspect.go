package driver

// Introspection accessors used by the front end and by tests.

// ProcessCount is the number of live processes, the head included.
func (d *Driver) ProcessCount() int { return len(d.procs) }

// HeadTraceLen is the trace prefix length of the head process.
func (d *Driver) HeadTraceLen() int { return d.headTraceLen() }

// FenceCount is the number of pending fences.
func (d *Driver) FenceCount() int { return len(d.fences) }

// ProcessTraceLens lists the fleet's trace prefix lengths in order.
func (d *Driver) ProcessTraceLens() []int {
	lens := make([]int, len(d.procs))
	for i := range d.procs {
		lens[i] = d.procs[i].traceLen
	}
	return lens
}

// DocumentData returns the current document output buffer, if any.
func (d *Driver) DocumentData() []byte {
	return d.st.document.Entry.OutputData().Bytes()
}

// SynctexData returns the current synctex buffer, if any.
func (d *Driver) SynctexData() []byte {
	if e := d.st.synctex.Entry; e != nil {
		return e.Data().Bytes()
	}
	return nil
}
