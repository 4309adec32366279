package syscallmodel

// Linux is the ia32 Linux syscall model: the syscall numbers below are
// the classic i386 table (the same numbering int 0x80 has always used
// on x86, unrelated to the 386/amd64 syscall-number renumbering amd64's
// syscall instruction uses), covering the syscalls a traced program
// typically issues: file I/O, memory mapping, and process termination.
var Linux = Model{
	Name: "linux",
	table: map[int]Entry{
		1:   {Name: "exit", Shape: Passthrough},
		2:   {Name: "fork", Shape: Passthrough},
		3:   {Name: "read", Shape: BufferOut, BufArg: Arg2, LenArg: Arg3},
		4:   {Name: "write", Shape: BufferIn, BufArg: Arg2, LenArg: Arg3},
		5:   {Name: "open", Shape: Passthrough},
		6:   {Name: "close", Shape: Passthrough},
		11:  {Name: "execve", Shape: Passthrough},
		19:  {Name: "lseek", Shape: Passthrough},
		20:  {Name: "getpid", Shape: Passthrough},
		45:  {Name: "brk", Shape: Passthrough},
		54:  {Name: "ioctl", Shape: Passthrough},
		90:  {Name: "mmap", Shape: Passthrough},
		91:  {Name: "munmap", Shape: Passthrough},
		122: {Name: "uname", Shape: BufferOut, BufArg: Arg1, FixedLen: 390},
		125: {Name: "mprotect", Shape: Passthrough},
		140: {Name: "llseek", Shape: Passthrough},
		145: {Name: "readv", Shape: Passthrough},
		146: {Name: "writev", Shape: Passthrough},
		174: {Name: "rt_sigaction", Shape: Passthrough},
		175: {Name: "rt_sigprocmask", Shape: Passthrough},
		192: {Name: "mmap2", Shape: Passthrough},
		197: {Name: "fstat64", Shape: BufferOut, BufArg: Arg2, FixedLen: 96},
		252: {Name: "exit_group", Shape: Passthrough},
	},
}
