package ocrgate

import (
	"net"
	"strings"
)

const (
	Version = "0.1.0"
)

// GetLocalIPs 返回本机所有已启用网卡的 IPv4 地址, 逗号分隔, 启动日志里用
func GetLocalIPs() (string, error) {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		// 排除回环接口和未启用的接口
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch addr := addr.(type) {
			case *net.IPNet:
				ip = addr.IP
			case *net.IPAddr:
				ip = addr.IP
			}
			if ip != nil && ip.To4() != nil {
				ips = append(ips, ip.String())
			}
		}
	}
	return strings.Join(ips, ","), nil
}
