package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	runCmds
	revCmds
	watchCmds
	dataCmds
	sessionCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Moving through the recording", runCmds},
	{"Searching backward", revCmds},
	{"Watching processes, syscalls and data", watchCmds},
	{"Viewing registers and memory", dataCmds},
	{"Managing sessions", sessionCmds},
	{"Other commands", otherCmds},
}
