package replay

// linux32Syscalls is the default syscall table: i386 numbers, with the
// ARM EABI numbers for the socket calls. Traces may override it.
var linux32Syscalls = map[string]int{
	"exit":       1,
	"fork":       2,
	"read":       3,
	"write":      4,
	"open":       5,
	"close":      6,
	"execve":     11,
	"getpid":     20,
	"dup":        41,
	"pipe":       42,
	"brk":        45,
	"ioctl":      54,
	"dup2":       63,
	"socketcall": 102,
	"clone":      120,
	"_llseek":    140,
	"vfork":      190,
	"mmap2":      192,
	"fcntl64":    221,
	"exit_group": 252,
	"socket":     281,
	"bind":       282,
	"connect":    283,
	"listen":     284,
	"accept":     285,
	"send":       289,
	"recv":       291,
	"pipe2":      331,
}
