// Package logx is relaybot's logging layer: a value-type Logger over zerolog
// with a short file:line caller, a console and/or JSON file output, and an
// optional rate-limited sink that mirrors warnings into a Telegram chat
// through the live relay connection.
package logx
