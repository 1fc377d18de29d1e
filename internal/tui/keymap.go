package tui

// Key binding constants used in handleKey.
const (
	KeyQuit      = "q"
	KeyQuitUpper = "Q"
	KeyCtrlC     = "ctrl+c"
	KeyStart     = "enter"
	KeyRecord    = " "
	KeyAccept    = "y"
	KeyReject    = "n"
	KeyNext      = "right"
	KeyRepeat    = "r"
	KeyPlay      = "p"
)
