// common/configloader/defaults.go
package configloader

// Defaults: набор значений по умолчанию для одного сервиса.
// Ключи в формате viper: "http.port", "redis.addr".
type Defaults map[string]interface{}

// Merge возвращает новую карту: d, дополненную/перезаписанную other.
func (d Defaults) Merge(other Defaults) Defaults {
	cp := make(Defaults, len(d)+len(other))
	for k, v := range d {
		cp[k] = v
	}
	for k, v := range other {
		cp[k] = v
	}
	return cp
}
