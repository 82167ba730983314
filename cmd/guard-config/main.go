package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/guard"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("guard-config - Configuration tool for guard")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guard-config convert <input> <output>  - Convert between formats")
	fmt.Println("  guard-config validate <file>           - Validate configuration")
	fmt.Println("  guard-config stats <file>              - Show configuration statistics")
	fmt.Println("  guard-config apply <file>              - Dry-run apply against in-memory stores")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: guard-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: guard-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Overrides: %d\n", len(cfg.Overrides))
	fmt.Printf("  Requirements: %d\n", len(cfg.Requirements))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: guard-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Tenants:      %d\n", len(cfg.Tenants))
	fmt.Printf("  Roles:        %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments:  %d\n", len(cfg.Assignments))
	fmt.Printf("  Overrides:    %d\n", len(cfg.Overrides))
	fmt.Printf("  Requirements: %d\n", len(cfg.Requirements))
	fmt.Printf("  Policies:     %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Roles) > 0 {
		totalPerms := 0
		linked := 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
			if r.Parent != "" {
				linked++
			}
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:      %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Printf("  With parent:       %d\n", linked)
		fmt.Println()
	}

	if len(cfg.Policies) > 0 {
		totalChecks := 0
		for _, p := range cfg.Policies {
			totalChecks += len(p.Checks)
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Total checks: %d\n", totalChecks)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Ristretto counters:  %d\n", cfg.Engine.RistrettoNumCounter)
	fmt.Printf("  Ristretto max cost:  %d\n", cfg.Engine.RistrettoMaxCost)
	fmt.Printf("  Bind timeout:        %dms\n", cfg.Engine.BindTimeoutMs)
	fmt.Printf("  Eval retries:        %d\n", cfg.Engine.EvalRetries)
	fmt.Printf("  Batch worker count:  %d\n", cfg.Engine.BatchWorkerCount)
	fmt.Printf("  Scan interval:       %dms\n", cfg.Engine.ScanIntervalMs)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: guard-config apply <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	resolver := guard.NewMemoryMembershipResolver()
	for _, a := range cfg.Assignments {
		resolver.AddMember(a.PrincipalID, a.TenantID)
	}

	svc, err := guard.NewService(resolver, guard.NewMemoryStores())
	if err != nil {
		fmt.Printf("Error building service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx := context.Background()
	if err := svc.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Tenants registered: %d\n", len(cfg.Tenants))
	fmt.Printf("  Roles loaded: %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments loaded: %d\n", len(cfg.Assignments))
	fmt.Printf("  Policies loaded: %d\n", len(cfg.Policies))
}

func loadConfig(filename string) (*guard.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	loader := guard.NewConfigLoader()

	switch ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *guard.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = guard.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
