package core

// SampleConfig is written by `droidfleet init`.
const SampleConfig = `# droidfleet configuration
devices:
  - id: emulator-5554
    alias: lab-emulator
    color: cyan
  # Network devices are reached with adb connect. usb_serial switches a
  # USB-attached handset to tcpip mode first.
  # - id: 192.168.1.20:5555
  #   alias: pixel-7
  #   usb_serial: R58M1234ABC
  #   tcpip_port: 5555

tasks:
  google_search: true
  wikipedia_search: true

search_queries:
  - weather this weekend
  - easy pasta recipes
  - history of the bicycle

# queries_file: /path/to/queries.txt

timing_parameters:
  min_delay_between_tasks: 10
  max_delay_between_tasks: 30
  post_search_delay: 3
  site_load_delays:
    google_search: {min: 5, max: 7}
    wikipedia_search: {min: 5, max: 8}

# 0/0 runs until the device disconnects
loop_settings:
  min_loops: 1
  max_loops: 3

transport:
  kind: local
  adb_path: adb
  commands_per_second: 0

store:
  path: ~/.local/share/droidfleet/history.db

telemetry:
  monitoring_addr: ""
`
