package printer

import "fmt"

const (
	banner = `
	 ____  ____  ____  ____  ____  ____
	/ ___|| ___|| ___||  _ \| ___||  _ \
	\___ \| _|  | _|  | | | | _|  | |_) |
	 ___) | |__ | |__ | |_| | |__ |  _ <
	|____/|____||____||____/|____||_| \_\

	`
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
)

// Banner prints the startup banner with the network and version.
func Banner(network, version string) {
	fmt.Println(Green, banner, Reset)
	fmt.Printf("\t%sbitcoin dns seeder %s (%s)%s\n\n", Yellow, version, network, Reset)
}
