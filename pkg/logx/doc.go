// Package logx wraps zerolog for joinbot.
//
// Console output is short and human readable, file output is JSON, and an
// optional chat sink forwards records at or above a minimum level to the
// home channel under a rate limit.
package logx
