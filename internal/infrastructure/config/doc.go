// Package config handles loading and validating OVMS bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading .env files into the environment
//   - Overriding with environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Broker passwords, InfluxDB tokens and the JWT secret should be set via
//     environment variables or a .env file, not committed YAML
//   - TLS certificate verification is on by default; disabling it is logged
//
// Usage:
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.OVMS.VehicleID)
package config
