package terminal

import (
	"golang.org/x/sys/windows"
)

func windowSize() (rows, cols int) {
	hout, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return 0, 0
	}
	var sbi windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(hout, &sbi); err != nil {
		return 0, 0
	}
	return int(sbi.Window.Bottom - sbi.Window.Top + 1), int(sbi.Window.Right - sbi.Window.Left + 1)
}
