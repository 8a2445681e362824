package tgui

// Bot API size limits, counted in characters after entity parsing.
const (
	MaxTextLen    = 4096
	MaxCaptionLen = 1024
)
