// common/configloader/print.go
package configloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
)

// PrintConfig выводит конфиг в читаемом виде.
func PrintConfig(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
