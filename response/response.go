package response

import (
	"fmt"
)

const (
	// ClassSuccess specifies that the DSN is reporting a positive delivery action
	ClassSuccess = 2
	// ClassTransientFailure - a temporary condition has caused abandonment or
	// delay of the command
	ClassTransientFailure = 4
	// ClassPermanentFailure - a failure not likely to be resolved by resending
	// the command in its current form
	ClassPermanentFailure = 5
)

type class int

func (c class) String() string {
	return fmt.Sprintf("%c00", c)
}

// Enhanced status codes from RFC 3463, the subset mailcrab replies with
const (
	OtherStatus                    = ".0.0"
	OtherAddressStatus             = ".1.0"
	DestinationMailboxAddressValid = ".1.5"
	OtherOrUndefinedMailSystem     = ".3.0"
	OtherOrUndefinedProtocolStatus = ".5.0"
	InvalidCommand                 = ".5.1"
	SyntaxError                    = ".5.2"
	SecurityStatus                 = ".7.0"
)

// Response builds an SMTP reply line. The enhanced code is optional; when
// empty only the basic code and comment are rendered, which matches replies
// like the greeting banner or "250 OK".
type Response struct {
	EnhancedCode string
	BasicCode    int
	Class        class
	// Comment is optional
	Comment string
}

// String renders the reply as it appears on the wire, without CRLF
func (r *Response) String() string {
	basicCode := r.BasicCode
	comment := r.Comment
	if len(comment) == 0 {
		comment = "OK"
	}
	if len(r.EnhancedCode) == 0 {
		return fmt.Sprintf("%d %s", basicCode, comment)
	}
	e := fmt.Sprintf("%d%s", r.Class, r.EnhancedCode)
	if basicCode == 0 {
		basicCode = getBasicStatusCode(e)
	}
	return fmt.Sprintf("%d %s %s", basicCode, e, comment)
}

// getBasicStatusCode derives a basic code from an enhanced status code when
// no explicit basic code was set, eg. "2.1.5" becomes 215-style 250
func getBasicStatusCode(enhancedCode string) int {
	if code, ok := codeMap[enhancedCode]; ok {
		return code
	}
	// a rough approximation, eg. 2.0.0 => 200
	return int(enhancedCode[0]-'0') * 100
}

var codeMap = map[string]int{
	"2.0.0": 250,
	"2.1.0": 250,
	"2.1.5": 250,
	"2.3.0": 250,
	"2.5.0": 250,
	"2.7.0": 220,
	"4.3.0": 421,
	"5.5.0": 500,
	"5.5.1": 500,
	"5.5.2": 500,
}

// Canned is to be read-only, except in the init() function
var Canned Responses

// Responses holds the pre-constructed replies of the mailcrab SMTP session
type Responses struct {
	// The 500's
	FailLineTooLong      string
	FailNestedMailCmd    string
	FailNoSenderDataCmd  string
	FailNoRecipientsCmd  string
	FailUnrecognizedCmd  string
	FailMaxUnrecognized  string
	FailSyntaxError      string
	FailParseError       string
	FailBadSequence      string
	FailAuthUnavailable  string
	FailTLSNotAvailable  string
	FailTLSAlreadyActive string
	FailReadErrorDataCmd string

	// The 400's
	ErrorShutdown string

	// The 200's
	SuccessHeloCmd     string
	SuccessRcptCmd     string
	SuccessResetCmd    string
	SuccessVerifyCmd   string
	SuccessNoopCmd     string
	SuccessQuitCmd     string
	SuccessDataCmd     string
	SuccessStartTLSCmd string
	SuccessAuthCmd     string
}

func init() {
	Canned = Responses{}

	Canned.FailLineTooLong = (&Response{
		EnhancedCode: SyntaxError,
		BasicCode:    554,
		Class:        ClassPermanentFailure,
		Comment:      "Line too long",
	}).String()

	Canned.FailNestedMailCmd = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: nested MAIL command",
	}).String()

	Canned.FailNoSenderDataCmd = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: No sender",
	}).String()

	Canned.FailNoRecipientsCmd = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: No recipients",
	}).String()

	Canned.FailBadSequence = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: bad sequence of commands",
	}).String()

	Canned.FailAuthUnavailable = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: authentication not available",
	}).String()

	Canned.FailTLSNotAvailable = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    500,
		Class:        ClassPermanentFailure,
		Comment:      "Error: TLS not available",
	}).String()

	Canned.FailTLSAlreadyActive = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    503,
		Class:        ClassPermanentFailure,
		Comment:      "Error: TLS already active",
	}).String()

	Canned.FailUnrecognizedCmd = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    500,
		Class:        ClassPermanentFailure,
		Comment:      "Unrecognized command",
	}).String()

	Canned.FailMaxUnrecognized = (&Response{
		EnhancedCode: InvalidCommand,
		BasicCode:    554,
		Class:        ClassPermanentFailure,
		Comment:      "Too many unrecognized commands",
	}).String()

	Canned.FailSyntaxError = (&Response{
		EnhancedCode: SyntaxError,
		BasicCode:    501,
		Class:        ClassPermanentFailure,
		Comment:      "Syntax error in parameters or arguments",
	}).String()

	// kept identical to the reply mail clients already know from mailcrab
	Canned.FailParseError = (&Response{
		BasicCode: 500,
		Class:     ClassPermanentFailure,
		Comment:   "Error parsing message",
	}).String()

	Canned.FailReadErrorDataCmd = (&Response{
		EnhancedCode: OtherOrUndefinedMailSystem,
		BasicCode:    451,
		Class:        ClassTransientFailure,
		Comment:      "Error: ",
	}).String()

	Canned.ErrorShutdown = (&Response{
		EnhancedCode: OtherOrUndefinedMailSystem,
		BasicCode:    421,
		Class:        ClassTransientFailure,
		Comment:      "Server is shutting down. Please try again later",
	}).String()

	Canned.SuccessHeloCmd = (&Response{
		BasicCode: 250,
		Comment:   "OK",
	}).String()

	Canned.SuccessRcptCmd = (&Response{
		EnhancedCode: DestinationMailboxAddressValid,
		Class:        ClassSuccess,
	}).String()

	Canned.SuccessResetCmd = (&Response{
		EnhancedCode: OtherAddressStatus,
		Class:        ClassSuccess,
	}).String()

	Canned.SuccessVerifyCmd = (&Response{
		EnhancedCode: OtherOrUndefinedProtocolStatus,
		BasicCode:    252,
		Class:        ClassSuccess,
		Comment:      "Cannot verify user",
	}).String()

	Canned.SuccessNoopCmd = (&Response{
		EnhancedCode: OtherStatus,
		Class:        ClassSuccess,
	}).String()

	Canned.SuccessQuitCmd = (&Response{
		EnhancedCode: OtherStatus,
		BasicCode:    221,
		Class:        ClassSuccess,
		Comment:      "Bye",
	}).String()

	Canned.SuccessDataCmd = "354 Enter message, ending with '.' on a line by itself"

	Canned.SuccessStartTLSCmd = (&Response{
		EnhancedCode: SecurityStatus,
		BasicCode:    220,
		Class:        ClassSuccess,
		Comment:      "Ready to start TLS",
	}).String()

	Canned.SuccessAuthCmd = (&Response{
		BasicCode: 235,
		Comment:   "Authentication successful",
	}).String()
}
