package version

import (
	"fmt"
)

var (
	Version = "0.1.0"
	Logo    = `
  ___                   _____               _    
 / _ \ _ __   ___ _ __ |_   _| __ __ _  ___| | __
| | | | '_ \ / _ \ '_ \  | || '__/ _' |/ __| |/ /
| |_| | |_) |  __/ | | | | || | | (_| | (__|   < 
 \___/| .__/ \___|_| |_| |_||_|  \__,_|\___|_|\_\
      |_|                          Version: %s
`
)

// PrintLogo prints the program logo and version information
func PrintLogo() string {
	return fmt.Sprintf(Logo, Version)
}
