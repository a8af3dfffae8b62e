package tellerd

type Config struct {
	Server struct {
		Addr   string `yaml:"addr"`
		NodeID int64  `yaml:"node_id"`
	} `yaml:"server"`
	Database struct {
		// Backend selects the storage endpoint: "postgres" or "sqlite".
		Backend          string `yaml:"backend"`
		ConnectionString string `yaml:"conn_str"`
		Path             string `yaml:"path"`
	} `yaml:"database"`
	Risk struct {
		// ReviewThreshold is a decimal string; amounts strictly greater
		// than it are routed to manual review. Empty means the default.
		ReviewThreshold string `yaml:"review_threshold"`
	} `yaml:"risk"`
}
