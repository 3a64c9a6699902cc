package main

import (
	"fmt"
	"os"

	"github.com/andreyvit/nvcfg"
	"github.com/andreyvit/nvcfg/logstore"
)

var (
	storeFormat   string
	storeFileName string
)

const (
	formatAuto = "auto"
	formatBolt = "bolt"
	formatLog  = "log"
)

// openStore opens a Bolt file or a log store directory. A path that does not
// exist yet is created using --format, which then must not be auto.
func openStore(path string) (nvcfg.Backend, error) {
	format := storeFormat
	if format == formatAuto {
		fi, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("%s does not exist; pass --format to create it", path)
		case err != nil:
			return nil, err
		case fi.IsDir():
			format = formatLog
		default:
			format = formatBolt
		}
	}
	printVerbose("Opening %s store: %s\n", format, path)

	switch format {
	case formatBolt:
		return nvcfg.OpenBolt(path, nvcfg.BoltOptions{})
	case formatLog:
		return openLogStore(path)
	default:
		return nil, fmt.Errorf("unknown store format %q", format)
	}
}

func openLogStore(dir string) (*logstore.Store, error) {
	return logstore.Open(dir, logstore.Options{
		FileName: storeFileName,
		Logger:   logger(),
		Verbose:  verbose,
	})
}
