package mailcrab

import "time"

var (
	// Version of the MailCrab server, reported in the MAIL FROM reply
	// and by the /api/version endpoint.
	Version = "1.2.0"
	// BuildTime is set by the build scripts via ldflags
	BuildTime string
)

// ServerName identifies the server in the SMTP banner and is used as the
// common name when generating a self-signed certificate.
const ServerName = "mailcrab"

func init() {
	if len(BuildTime) == 0 {
		BuildTime = time.Now().Format(time.RFC3339)
	}
}
