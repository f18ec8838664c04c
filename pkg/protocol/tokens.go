package protocol

// Client → server command words (first frame of each exchange)
const (
	CmdHello        = "HELLO"
	CmdMessage      = "MESSAGE"
	CmdBroadcast    = "BROADCAST"
	CmdWhoElse      = "WHOELSE"
	CmdWhoElseSince = "WHOELSESINCE"
	CmdBlock        = "BLOCK"
	CmdUnblock      = "UNBLOCK"
	CmdLogout       = "LOGOUT"
)

// Server → client login dialogue tokens
const (
	RespUsername        = "USERNAME"
	RespOK              = "OK"
	RespFail            = "FAIL"
	RespAlreadyLoggedIn = "ALREADY LOGGED IN"
	RespUserIsBlocked   = "USER IS BLOCKED"
	RespNewUser         = "NEW USER"
	RespMaxAttempt      = "MAX ATTEMPT"
)

// Server → client command replies
const (
	RespUserNotFound    = "USER NOT FOUND"
	RespSelfTarget      = "DESTINATION USER IS SELF"
	RespBlocked         = "BLOCKED"
	RespPartialSend     = "MESSAGE ONLY SENT TO SOME USERS"
	RespNoneSent        = "MESSAGE NOT SENT"
	RespNone            = "NONE"
	RespAlreadyBlocked  = "USER IS ALREADY BLOCKED"
	RespNotBlocked      = "USER IS NOT BLOCKED"
	RespInvalidArgument = "INVALID ARGUMENT"
	RespUnknownCommand  = "UNKNOWN COMMAND"
)

// PushLogout is the reserved notice sent to a client's push listener when
// the server force-logs the session out after the idle window expires.
const PushLogout = "LGT"
