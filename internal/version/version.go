package version

import "fmt"

// Заполняются через -ldflags "-X .../internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const product = "ordering-service"

// GetVersion возвращает версию сборки (для health, трассировки и CLI).
func GetVersion() string { return version }

// UserAgent возвращает значение заголовка User-Agent для исходящих вызовов.
func UserAgent() string {
	return product + "/" + version
}

// String описывает сборку целиком, для логов старта.
func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", product, version, commit, date)
}
