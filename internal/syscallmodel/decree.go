package syscallmodel

// Decree models the DECREE ABI used by CGC-style challenge binaries,
// dispatched through int 0x80 like classic Linux. DECREE deliberately
// shrinks libc down to seven syscalls, three of which move memory:
// transmit (write-like), receive (read-like), and random.
var Decree = Model{
	Name: "decree",
	table: map[int]Entry{
		1: {Name: "terminate", Shape: Passthrough},
		2: {Name: "transmit", Shape: BufferIn, BufArg: Arg2, LenArg: Arg3},
		3: {Name: "receive", Shape: BufferOut, BufArg: Arg2, LenArg: Arg3},
		4: {Name: "fdwait", Shape: Passthrough},
		5: {Name: "allocate", Shape: Passthrough},
		6: {Name: "deallocate", Shape: Passthrough},
		7: {Name: "random", Shape: BufferOut, BufArg: Arg1, LenArg: Arg2},
	},
}
