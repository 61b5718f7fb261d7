package rpc

import (
	"seedkeeper/go-keystore/pkg/models"
)

const (
	rpcAPICurrentVersion      = 1
	rpcAPIMinSupportedVersion = 1
)

const (
	codeVersionUnsupported = -32080
	codeVersionDeprecated  = -32081
)

func validateRPCAPIVersion(v *int) *rpcError {
	if v == nil {
		return nil
	}
	if *v < rpcAPIMinSupportedVersion {
		return protocolError(codeVersionDeprecated, "rpc api version is deprecated and no longer supported")
	}
	if *v > rpcAPICurrentVersion {
		return protocolError(codeVersionUnsupported, "rpc api version is not supported by this server")
	}
	return nil
}

func (s *Server) rpcVersionInfo() models.VersionResult {
	return models.VersionResult{
		Service:             "seedkeeper",
		Version:             s.cfg.Version,
		CurrentVersion:      rpcAPICurrentVersion,
		MinSupportedVersion: rpcAPIMinSupportedVersion,
		Methods:             append([]string(nil), models.Methods...),
	}
}
