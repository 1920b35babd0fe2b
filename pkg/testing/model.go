package testing

// LabModelYAML is a two tenant, two VPC network model spread over two hosts
const LabModelYAML = `
transit:
  nat:
    name: nat-gateway
    host: host-1
    ip: 192.168.100.254
    mac: "02:00:00:00:00:fe"
tenants:
  tenant-1:
    name: Acme
    billingID: B-1
    environment: prod
  tenant-2:
    name: Globex
    billingID: B-2
    environment: dev
hosts:
  host-1:
    chassisName: chassis-host-1
    managementIP: 10.10.0.1
    tunnelIP: 172.30.0.1
    zone: z1
    roles: [ovn-central, ovn-controller]
  host-2:
    chassisName: chassis-host-2
    managementIP: 10.10.0.2
    tunnelIP: 172.30.0.2
    zone: z2
    roles: [ovn-controller]
vpcs:
  vpc-a:
    tenant: tenant-1
    cidr: 10.0.0.0/16
    router:
      comment: VPC A router
    switches:
      - {name: ls-vpc-a-web, cidr: 10.0.1.0/24, tier: web}
      - {name: ls-vpc-a-app, cidr: 10.0.2.0/24, tier: app}
  vpc-b:
    tenant: tenant-2
    cidr: 10.1.0.0/16
    switches:
      - {name: ls-vpc-b-web, cidr: 10.1.1.0/24, tier: web}
testNetworks:
  - {name: ls-test-1, cidr: 172.16.0.0/24}
containers:
  vpc-a-web:
    host: host-1
    vpc: vpc-a
    switch: ls-vpc-a-web
    ip: 10.0.1.10
    mac: "02:00:00:01:01:0a"
  vpc-a-app:
    host: host-1
    vpc: vpc-a
    switch: ls-vpc-a-app
    ip: 10.0.2.10
  traffic-gen-a:
    host: host-1
    vpc: vpc-a
    switch: ls-vpc-a-web
    ip: 10.0.1.200
    role: generator
  vpc-b-web:
    host: host-2
    vpc: vpc-b
    switch: ls-vpc-b-web
    ip: 10.1.1.10
    mac: "02:00:00:02:01:0a"
  tester:
    host: host-2
    switch: ls-test-1
    ip: 172.16.0.5
`
