package deeplink

import "fmt"

// OpenURLFlag is the argument that precedes a callback URL when the OS
// launches this program for a registered scheme.
const OpenURLFlag = "--open-url"

// HandlerCommand is the command line the OS runs for scheme URLs.
func HandlerCommand(exe string) string {
	return fmt.Sprintf(`"%s" %s -- "%%1"`, exe, OpenURLFlag)
}
