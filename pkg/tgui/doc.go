// Package tgui holds the Telegram HTML helpers used to build captions and
// command replies, plus the message size limits of the Bot API.
package tgui
