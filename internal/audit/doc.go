// Package audit keeps the history of commands sent to vehicle modules.
//
// Every command the API relays is recorded with its outcome, the token
// subject that issued it and how long the module took to answer. The
// history lives in the command_log table and is pruned by age.
package audit
