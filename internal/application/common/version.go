package common

// Version подставляется при сборке: -ldflags "-X eventcore/internal/application/common.Version=1.2.3"
var Version = "dev"
